// Command simulator drives a full dispatch lifecycle against a running
// server: it seeds one courier and one customer, connects both over
// websocket, creates an order and walks it through accept, confirm, start,
// complete and verify, printing every event on the way.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	baseURL   = "http://localhost:8080"
	wsURL     = "ws://localhost:8080"
	jwtSecret = "my-secret-key"
)

func main() {
	courierID := "sim-courier"
	customerID := "sim-customer"

	seed("/internal/couriers", map[string]interface{}{
		"id":                  courierID,
		"name":                "Sim Courier",
		"phone":               "+100000001",
		"vehicle":             "van",
		"vehicle_capacity_kg": 500,
		"rating":              4.7,
		"total_trips":         120,
	})
	seed("/internal/customers", map[string]interface{}{
		"id":    customerID,
		"name":  "Sim Customer",
		"phone": "+100000002",
	})

	courier := dial("/ws/courier", mintToken(courierID, "courier"), 41.31, 69.24)
	defer courier.Close()
	customer := dial("/ws/customer", mintToken(customerID, "customer"), 41.30, 69.25)
	defer customer.Close()

	go pump("courier", courier)
	events := make(chan map[string]interface{}, 16)
	go pumpInto("customer", customer, events)

	courier.WriteJSON(map[string]interface{}{
		"event":     "location_update",
		"latitude":  41.31,
		"longitude": 69.24,
		"heading":   90.0,
	})
	time.Sleep(500 * time.Millisecond)

	orderID := uuid.NewString()
	seed("/internal/orders", map[string]interface{}{
		"id":          orderID,
		"customer_id": customerID,
		"pickup":      map[string]float64{"latitude": 41.311, "longitude": 69.241},
		"destination": map[string]float64{"latitude": 41.35, "longitude": 69.30},
		"weight_kg":   80,
		"labor_count": 2,
		"price":       map[string]float64{"base": 50, "distance_fee": 20, "weight_fee": 10, "total": 80},
	})
	time.Sleep(500 * time.Millisecond)

	courier.WriteJSON(map[string]interface{}{"event": "accept_order", "order_id": orderID})
	waitFor(events, "order_accepted")

	customer.WriteJSON(map[string]interface{}{"event": "confirm_order", "order_id": orderID})
	waitFor(events, "order_status_updated")

	courier.WriteJSON(map[string]interface{}{"event": "update_order_status", "order_id": orderID, "status": "started"})
	waitFor(events, "order_status_updated")

	courier.WriteJSON(map[string]interface{}{"event": "update_order_status", "order_id": orderID, "status": "completed"})
	completed := waitFor(events, "order_completed")
	code, _ := completed["confirmation_code"].(string)

	customer.WriteJSON(map[string]interface{}{"event": "verify_delivery", "order_id": orderID, "code": code})
	waitFor(events, "order_verified")

	fmt.Println("Lifecycle complete:", orderID)
}

func mintToken(id, role string) string {
	claims := jwt.MapClaims{
		"sub":  id,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	if role == "courier" {
		claims["courier_id"] = id
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		log.Fatal("Failed to mint token:", err)
	}
	return token
}

func seed(path string, body map[string]interface{}) {
	data, _ := json.Marshal(body)
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewBuffer(data))
	if err != nil {
		log.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("POST %s returned %s", path, resp.Status)
	}
}

func dial(path, token string, lat, lng float64) *websocket.Conn {
	url := fmt.Sprintf("%s%s?token=%s&latitude=%f&longitude=%f", wsURL, path, token, lat, lng)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("Dial %s failed: %v", path, err)
	}
	return conn
}

func pump(name string, conn *websocket.Conn) {
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		fmt.Printf("[%s] %v\n", name, msg)
	}
}

func pumpInto(name string, conn *websocket.Conn, out chan<- map[string]interface{}) {
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		fmt.Printf("[%s] %v\n", name, msg)
		out <- msg
	}
}

func waitFor(events <-chan map[string]interface{}, event string) map[string]interface{} {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-events:
			if msg["event"] == event {
				return msg
			}
		case <-deadline:
			log.Fatalf("Timed out waiting for %s", event)
		}
	}
}
