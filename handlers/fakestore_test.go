package handlers

import (
	"context"
	"sync"

	"cargo-delivery/api/models"
	"cargo-delivery/api/orders"
)

// fakeStore gives coordinator tests the same conditional-write contract as
// the redis store, hermetically.
type fakeStore struct {
	mu           sync.Mutex
	orders       map[string]*models.Order
	couriers     map[string]*models.Courier
	customers    map[string]*models.Customer
	availability map[string]bool
	trips        map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:       make(map[string]*models.Order),
		couriers:     make(map[string]*models.Courier),
		customers:    make(map[string]*models.Customer),
		availability: make(map[string]bool),
		trips:        make(map[string]int),
	}
}

func (s *fakeStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) CreateOrder(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateOrderStatus(_ context.Context, id string, from, to models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (s *fakeStore) SetOrderCourier(_ context.Context, id, courierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.CourierID = courierID
	}
	return nil
}

func (s *fakeStore) SetCancellation(_ context.Context, id, code string, fee float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.CancellationCode = code
		o.CancellationFee = fee
	}
	return nil
}

func (s *fakeStore) ClearCancellation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.CancellationCode = ""
	}
	return nil
}

func (s *fakeStore) SetCompletionCode(_ context.Context, id, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.CompletionCode = code
	}
	return nil
}

func (s *fakeStore) ClearCompletionCode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.CompletionCode = ""
	}
	return nil
}

func (s *fakeStore) GetCourier(_ context.Context, id string) (*models.Courier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.couriers[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) SaveCourier(_ context.Context, c *models.Courier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.couriers[c.ID] = &cp
	return nil
}

func (s *fakeStore) SaveCourierLocation(_ context.Context, _ string, _ models.GeoPoint) error {
	return nil
}

func (s *fakeStore) SetCourierAvailability(_ context.Context, id string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability[id] = available
	return nil
}

func (s *fakeStore) IncrementCourierTrips(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[id]++
	return nil
}

func (s *fakeStore) GetCustomer(_ context.Context, id string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) SaveCustomer(_ context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

func (s *fakeStore) persistedAvailability(id string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.availability[id]
	return v, ok
}

func (s *fakeStore) tripCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trips[id]
}
