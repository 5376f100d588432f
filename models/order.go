package models

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusStarted   OrderStatus = "started"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusVerified  OrderStatus = "verified"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible from the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusVerified, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type PriceBreakdown struct {
	Base        float64 `json:"base"`
	DistanceFee float64 `json:"distance_fee"`
	WeightFee   float64 `json:"weight_fee"`
	LaborFee    float64 `json:"labor_fee"`
	Total       float64 `json:"total"`
}

// Order is the central dispatch entity. Status is mutated only through the
// state machine's conditional transition; handlers never write it directly.
type Order struct {
	ID               string         `json:"id"`
	CustomerID       string         `json:"customer_id"`
	CourierID        string         `json:"courier_id,omitempty"`
	Pickup           GeoPoint       `json:"pickup"`
	Destination      GeoPoint       `json:"destination"`
	WeightKg         float64        `json:"weight_kg"`
	LaborCount       int            `json:"labor_count"`
	Price            PriceBreakdown `json:"price"`
	Status           OrderStatus    `json:"status"`
	CancellationCode string         `json:"-"`
	CancellationFee  float64        `json:"cancellation_fee,omitempty"`
	CompletionCode   string         `json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
