package models

// Courier is the delivery-side profile as persisted in the store. Live
// session state (location, availability) lives in the presence registry.
type Courier struct {
	ID                string  `json:"id"`
	AccountID         string  `json:"account_id,omitempty"`
	Name              string  `json:"name"`
	Phone             string  `json:"phone"`
	Vehicle           string  `json:"vehicle"`
	VehicleCapacityKg float64 `json:"vehicle_capacity_kg"` // 0 means unknown
	Rating            float64 `json:"rating"`
	TotalTrips        int     `json:"total_trips"`
}

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}
