package presence

import "sync"

// Rooms maps each connected customer to the set of couriers whose location
// pushes they should receive. Membership is computed when the customer
// connects and is not chased as couriers move in and out of radius; that
// staleness is an accepted tradeoff of the protocol.
type Rooms struct {
	mu         sync.RWMutex
	byCustomer map[string]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{byCustomer: make(map[string]map[string]struct{})}
}

// SetMembers replaces the customer's subscribed courier set.
func (r *Rooms) SetMembers(customerID string, courierIDs []string) {
	members := make(map[string]struct{}, len(courierIDs))
	for _, id := range courierIDs {
		members[id] = struct{}{}
	}
	r.mu.Lock()
	r.byCustomer[customerID] = members
	r.mu.Unlock()
}

// Drop removes the customer's room entirely.
func (r *Rooms) Drop(customerID string) {
	r.mu.Lock()
	delete(r.byCustomer, customerID)
	r.mu.Unlock()
}

// CustomersFor lists customers subscribed to the given courier.
func (r *Rooms) CustomersFor(courierID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for customerID, members := range r.byCustomer {
		if _, ok := members[courierID]; ok {
			out = append(out, customerID)
		}
	}
	return out
}

// Contains reports whether the courier is in the customer's room.
func (r *Rooms) Contains(customerID, courierID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.byCustomer[customerID]
	if !ok {
		return false
	}
	_, ok = members[courierID]
	return ok
}
