package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Shopify/sarama"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"cargo-delivery/api/config"
	"cargo-delivery/api/matching"
	"cargo-delivery/api/models"
	"cargo-delivery/api/orders"
	"cargo-delivery/api/presence"
)

// Server wires the dispatch engine together: presence registry, matcher,
// order state machine, the redis store, the rabbitmq order intake and the
// kafka event log.
type Server struct {
	cfg      *config.Config
	store    orders.Store
	machine  *orders.Machine
	registry *presence.Registry
	rooms    *presence.Rooms
	matcher  *matching.Matcher
	rabbitmq *amqp.Connection
	kafka    sarama.SyncProducer
	active   *activeOrders
}

func NewServer(cfg *config.Config) (*Server, error) {
	registry := presence.NewRegistry()
	s := &Server{
		cfg:      cfg,
		registry: registry,
		rooms:    presence.NewRooms(),
		matcher:  matching.NewMatcher(registry, cfg.Dispatch.LocationStaleness),
		active:   newActiveOrders(),
	}

	if err := s.initConnections(); err != nil {
		return nil, err
	}
	s.machine = orders.NewMachine(s.store, orders.FeeTable{
		ByStatus: cfg.Dispatch.CancelFeePctByStatus,
		Default:  cfg.Dispatch.CancelFeePctDefault,
	})
	return s, nil
}

func (s *Server) initConnections() error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	s.store = orders.NewRedisStore(rdb)

	// RabbitMQ connection with retry
	var rabbitmqConn *amqp.Connection
	var err error
	for i := 0; i < 5; i++ {
		log.Printf("Attempting to connect to RabbitMQ (attempt %d/5)...", i+1)
		rabbitmqConn, err = amqp.Dial(s.cfg.RabbitMQ.URL)
		if err == nil {
			break
		}
		if i < 4 {
			log.Printf("Failed to connect to RabbitMQ: %v. Retrying in 5 seconds...", err)
			time.Sleep(5 * time.Second)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after 5 attempts: %v", err)
	}
	s.rabbitmq = rabbitmqConn

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(s.cfg.Kafka.Brokers, kafkaConfig)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %v", err)
	}
	s.kafka = producer

	return nil
}

// logEvent appends a dispatch lifecycle event to the kafka log. Emission
// failures never block or reverse the transition they describe.
func (s *Server) logEvent(event map[string]interface{}) {
	if s.kafka == nil {
		return
	}
	event["timestamp"] = time.Now().Unix()
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}

	_, _, err = s.kafka.SendMessage(&sarama.ProducerMessage{
		Topic: s.cfg.Kafka.Topic,
		Value: sarama.StringEncoder(data),
	})
	if err != nil {
		log.Printf("Failed to log event: %v", err)
	}
}

// intakeMessage is the envelope the order-creation service publishes on the
// dispatch queue.
type intakeMessage struct {
	OrderID string       `json:"order_id"`
	Order   models.Order `json:"order"`
}

// ConsumeOrders drains the order intake queue, persists each order and
// broadcasts it to ranked couriers.
func (s *Server) ConsumeOrders() {
	ch, err := s.rabbitmq.Channel()
	if err != nil {
		log.Fatal(err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(s.cfg.RabbitMQ.QueueName, true, false, false, false, nil)
	if err != nil {
		log.Fatal(err)
	}

	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		log.Fatal(err)
	}

	for msg := range msgs {
		var intake intakeMessage
		if err := json.Unmarshal(msg.Body, &intake); err != nil {
			log.Printf("Error decoding intake message: %v", err)
			continue
		}
		go s.dispatchOrder(intake)
	}
}

func (s *Server) dispatchOrder(intake intakeMessage) {
	ctx := context.Background()

	order := intake.Order
	order.ID = intake.OrderID
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.Status = models.OrderStatusPending
	order.CourierID = ""

	if err := s.store.CreateOrder(ctx, &order); err != nil {
		log.Printf("Error persisting order %s: %v", order.ID, err)
		return
	}
	s.BroadcastOrder(ctx, &order)
}

// SweepPendingOrders periodically reports orders that have sat unaccepted
// longer than the configured age. Orders are never expired automatically;
// the sweep only makes the open window visible to operators.
func (s *Server) SweepPendingOrders() {
	ticker := time.NewTicker(s.cfg.Dispatch.PendingSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		for _, orderID := range s.active.stalePending(s.cfg.Dispatch.PendingAgeWarn) {
			log.Printf("Order %s still pending after %s", orderID, s.cfg.Dispatch.PendingAgeWarn)
			s.logEvent(map[string]interface{}{
				"event":    "order_stale",
				"order_id": orderID,
			})
		}
	}
}

// CreateOrder is the internal intake endpoint used by the order-creation
// service (and the simulator) as an alternative to the queue.
func (s *Server) CreateOrder(c *fiber.Ctx) error {
	var order models.Order
	if err := c.BodyParser(&order); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if order.CustomerID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "customer_id is required")
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.Status = models.OrderStatusPending
	order.CourierID = ""

	ctx := c.Context()
	if err := s.store.CreateOrder(ctx, &order); err != nil {
		return err
	}
	go s.BroadcastOrder(context.Background(), &order)

	return c.Status(fiber.StatusCreated).JSON(order)
}

// GetOrder exposes order state for internal tooling.
func (s *Server) GetOrder(c *fiber.Ctx) error {
	order, err := s.store.GetOrder(c.Context(), c.Params("id"))
	if err != nil {
		if err == orders.ErrNotFound {
			return fiber.ErrNotFound
		}
		return err
	}
	return c.JSON(order)
}

// SaveCourier seeds a courier profile.
func (s *Server) SaveCourier(c *fiber.Ctx) error {
	var courier models.Courier
	if err := c.BodyParser(&courier); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if courier.ID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "id is required")
	}
	if err := s.store.SaveCourier(c.Context(), &courier); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(courier)
}

// SaveCustomer seeds a customer profile.
func (s *Server) SaveCustomer(c *fiber.Ctx) error {
	var customer models.Customer
	if err := c.BodyParser(&customer); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if customer.ID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "id is required")
	}
	if err := s.store.SaveCustomer(c.Context(), &customer); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(customer)
}
