package main

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"cargo-delivery/api/config"
	"cargo-delivery/api/models"
)

// intake accepts cargo orders over HTTP and hands them to the dispatcher
// through the order queue. It holds no order state of its own.

type orderMessage struct {
	OrderID string       `json:"order_id"`
	Order   models.Order `json:"order"`
}

type publisher struct {
	ch    *amqp.Channel
	queue string
}

func (p *publisher) publish(msg orderMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	conn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ:", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("Failed to open channel:", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(cfg.RabbitMQ.QueueName, true, false, false, false, nil); err != nil {
		log.Fatal("Failed to declare queue:", err)
	}

	pub := &publisher{ch: ch, queue: cfg.RabbitMQ.QueueName}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
	})

	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "intake",
		})
	})

	app.Post("/orders", func(c *fiber.Ctx) error {
		var order models.Order
		if err := c.BodyParser(&order); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if order.CustomerID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "customer_id is required")
		}

		msg := orderMessage{OrderID: uuid.NewString(), Order: order}
		if err := pub.publish(msg); err != nil {
			log.Printf("Failed to publish order %s: %v", msg.OrderID, err)
			return fiber.ErrServiceUnavailable
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"order_id": msg.OrderID})
	})

	port := ":3000"
	log.Printf("Intake service starting on %s", port)
	if err := app.Listen(port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
