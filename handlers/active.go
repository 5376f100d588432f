package handlers

import (
	"sync"
	"time"
)

type orderParties struct {
	customerID string
	courierID  string
}

// activeOrders is the coordinator's in-memory index of in-flight orders:
// who is on each side of an order, which order a courier is currently
// carrying, and which broadcasts are still unclaimed.
type activeOrders struct {
	mu        sync.Mutex
	byOrder   map[string]orderParties
	byCourier map[string]string
	pending   map[string]time.Time
}

func newActiveOrders() *activeOrders {
	return &activeOrders{
		byOrder:   make(map[string]orderParties),
		byCourier: make(map[string]string),
		pending:   make(map[string]time.Time),
	}
}

func (a *activeOrders) addPending(orderID string) {
	a.mu.Lock()
	a.pending[orderID] = time.Now()
	a.mu.Unlock()
}

// claim records the winning courier and removes the order from the pending set.
func (a *activeOrders) claim(orderID, customerID, courierID string) {
	a.mu.Lock()
	delete(a.pending, orderID)
	a.byOrder[orderID] = orderParties{customerID: customerID, courierID: courierID}
	a.byCourier[courierID] = orderID
	a.mu.Unlock()
}

// drop clears all bookkeeping for a finished or cancelled order.
func (a *activeOrders) drop(orderID string) {
	a.mu.Lock()
	if parties, ok := a.byOrder[orderID]; ok {
		if a.byCourier[parties.courierID] == orderID {
			delete(a.byCourier, parties.courierID)
		}
	}
	delete(a.byOrder, orderID)
	delete(a.pending, orderID)
	a.mu.Unlock()
}

func (a *activeOrders) parties(orderID string) (orderParties, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.byOrder[orderID]
	return p, ok
}

func (a *activeOrders) courierOrder(courierID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byCourier[courierID]
	return id, ok
}

func (a *activeOrders) stalePending(olderThan time.Duration) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stale []string
	for orderID, since := range a.pending {
		if time.Since(since) > olderThan {
			stale = append(stale, orderID)
		}
	}
	return stale
}
