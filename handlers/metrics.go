package handlers

import (
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cargo_dispatch_orders_broadcast_total",
		Help: "The total number of orders offered to couriers",
	})

	ordersAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cargo_dispatch_orders_accepted_total",
		Help: "The total number of orders claimed by a courier",
	})

	ordersVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cargo_dispatch_orders_verified_total",
		Help: "The total number of deliveries verified by the customer",
	})

	ordersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cargo_dispatch_orders_cancelled_total",
		Help: "The total number of orders cancelled by the customer",
	})

	connectedCouriers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cargo_dispatch_connected_couriers",
		Help: "The number of couriers currently connected",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cargo_dispatch_request_duration_seconds",
		Help:    "Time spent serving HTTP requests",
		Buckets: prometheus.DefBuckets,
	})
)

func (s *Server) MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		requestDuration.Observe(time.Since(start).Seconds())
		return err
	}
}

// PrometheusHandler exposes the default registry on a fiber route.
func PrometheusHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
