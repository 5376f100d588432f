package docs

import "github.com/swaggo/swag"

// @title Cargo Dispatch API
// @version 1.0
// @description Realtime courier dispatch and matching engine
// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey ApiKeyAuth
// @in query
// @name token
var SwaggerInfo = &swag.Spec{
	Version:  "1.0",
	Host:     "localhost:8080",
	BasePath: "/",
	Title:    "Cargo Dispatch API",
	Description: "Realtime courier dispatch and matching engine. " +
		"Couriers connect on /ws/courier, customers on /ws/customer; " +
		"both exchange JSON frames shaped {\"event\": ..., ...payload}.",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
