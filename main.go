package main

import (
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/gofiber/websocket/v2"

	"cargo-delivery/api/config"
	_ "cargo-delivery/api/docs"
	"cargo-delivery/api/handlers"
)

func main() {
	rand.Seed(time.Now().UnixNano())

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	server, err := handlers.NewServer(cfg)
	if err != nil {
		log.Fatal("Failed to initialize server:", err)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: errorHandler,
	})

	// Middlewares
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())
	app.Use(server.MetricsMiddleware())

	// Routes
	setupRoutes(app, server)

	// Swagger
	app.Get("/swagger/*", swagger.HandlerDefault)

	// Metrics endpoint
	app.Get("/metrics", handlers.PrometheusHandler())

	// WebSocket routes
	app.Use("/ws", server.ValidateToken)
	app.Get("/ws/courier", websocket.New(server.HandleCourierWS))
	app.Get("/ws/customer", websocket.New(server.HandleCustomerWS))

	// Start order intake consumer
	go server.ConsumeOrders()

	// Start pending order sweep
	go server.SweepPendingOrders()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("Gracefully shutting down...")
		_ = app.Shutdown()
	}()

	log.Printf("Server starting on port %s", cfg.Server.Port)
	log.Fatal(app.Listen(":" + cfg.Server.Port))
}

func setupRoutes(app *fiber.App, server *handlers.Server) {
	// Health check
	app.Get("/health", healthCheck)

	// Internal collaborator surface. Order CRUD proper lives in the
	// customer-facing service; this is the dispatch handoff only.
	internal := app.Group("/internal")
	internal.Post("/orders", server.CreateOrder)
	internal.Get("/orders/:id", server.GetOrder)
	internal.Post("/couriers", server.SaveCourier)
	internal.Post("/customers", server.SaveCustomer)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"time":   time.Now(),
	})
}
