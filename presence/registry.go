package presence

import (
	"errors"
	"sync"
	"time"

	"cargo-delivery/api/matching"
	"cargo-delivery/api/models"
)

// ErrNotConnected is returned when a push targets a principal with no live
// connection. Callers treat it as a dropped notification, never as fatal.
var ErrNotConnected = errors.New("not connected")

// Conn is the slice of a websocket connection the registry needs. The
// production implementation is *websocket.Conn.
type Conn interface {
	WriteJSON(v interface{}) error
}

// Session wraps a connection with a write lock so concurrent handlers can
// push to the same principal safely.
type Session struct {
	ID   string
	conn Conn
	mu   sync.Mutex
}

func newSession(id string, conn Conn) *Session {
	return &Session{ID: id, conn: conn}
}

// Send pushes a named event. The event name is merged into the payload so
// every frame on the wire is a single {"event": ...} JSON object.
func (s *Session) Send(event string, payload map[string]interface{}) error {
	msg := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["event"] = event

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return ErrNotConnected
	}
	return nil
}

// CourierSession carries the live matching attributes of a connected
// courier. Location and availability change only via Registry.UpdateCourierState.
type CourierSession struct {
	*Session
	Profile models.Courier

	stateMu     sync.RWMutex
	location    models.GeoPoint
	locatedAt   time.Time
	hasLocation bool
	available   bool
}

// State returns a consistent snapshot of the courier's mutable state.
func (c *CourierSession) State() (loc models.GeoPoint, locatedAt time.Time, hasLocation, available bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.location, c.locatedAt, c.hasLocation, c.available
}

type CustomerSession struct {
	*Session

	stateMu     sync.RWMutex
	location    models.GeoPoint
	hasLocation bool
}

func (c *CustomerSession) SetLocation(loc models.GeoPoint) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.location = loc
	c.hasLocation = true
}

func (c *CustomerSession) Location() (models.GeoPoint, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.location, c.hasLocation
}

// Registry is the live directory of connected couriers and customers.
// One map per role so courier and customer ids can never collide.
type Registry struct {
	mu        sync.RWMutex
	couriers  map[string]*CourierSession
	customers map[string]*CustomerSession
}

func NewRegistry() *Registry {
	return &Registry{
		couriers:  make(map[string]*CourierSession),
		customers: make(map[string]*CustomerSession),
	}
}

func (r *Registry) RegisterCourier(profile models.Courier, conn Conn) *CourierSession {
	sess := &CourierSession{
		Session:   newSession(profile.ID, conn),
		Profile:   profile,
		available: true,
	}
	r.mu.Lock()
	r.couriers[profile.ID] = sess
	r.mu.Unlock()
	return sess
}

func (r *Registry) RegisterCustomer(customer models.Customer, conn Conn) *CustomerSession {
	sess := &CustomerSession{Session: newSession(customer.ID, conn)}
	r.mu.Lock()
	r.customers[customer.ID] = sess
	r.mu.Unlock()
	return sess
}

func (r *Registry) UnregisterCourier(id string) {
	r.mu.Lock()
	delete(r.couriers, id)
	r.mu.Unlock()
}

// UnregisterCourierSession removes the courier only if sess is still the
// registered session, so a handler winding down after a reconnect cannot
// evict the connection that replaced it. Reports whether it deleted.
func (r *Registry) UnregisterCourierSession(id string, sess *CourierSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.couriers[id] != sess {
		return false
	}
	delete(r.couriers, id)
	return true
}

func (r *Registry) UnregisterCustomer(id string) {
	r.mu.Lock()
	delete(r.customers, id)
	r.mu.Unlock()
}

// UnregisterCustomerSession is the customer-side counterpart of
// UnregisterCourierSession.
func (r *Registry) UnregisterCustomerSession(id string, sess *CustomerSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.customers[id] != sess {
		return false
	}
	delete(r.customers, id)
	return true
}

func (r *Registry) Courier(id string) (*CourierSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.couriers[id]
	return sess, ok
}

func (r *Registry) Customer(id string) (*CustomerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.customers[id]
	return sess, ok
}

// UpdateCourierState is the single mutation point for a courier's location
// and availability. Nil arguments leave the corresponding field untouched.
func (r *Registry) UpdateCourierState(id string, loc *models.GeoPoint, available *bool) bool {
	r.mu.RLock()
	sess, ok := r.couriers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	sess.stateMu.Lock()
	defer sess.stateMu.Unlock()
	if loc != nil {
		sess.location = *loc
		sess.locatedAt = time.Now()
		sess.hasLocation = true
	}
	if available != nil {
		sess.available = *available
	}
	return true
}

// Couriers implements matching.Source with a point-in-time snapshot.
func (r *Registry) Couriers() []matching.CourierInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]matching.CourierInfo, 0, len(r.couriers))
	for _, sess := range r.couriers {
		loc, at, hasLoc, avail := sess.State()
		infos = append(infos, matching.CourierInfo{
			ID:          sess.ID,
			Location:    loc,
			LocatedAt:   at,
			HasLocation: hasLoc,
			Available:   avail,
			CapacityKg:  sess.Profile.VehicleCapacityKg,
			Rating:      sess.Profile.Rating,
			TotalTrips:  sess.Profile.TotalTrips,
		})
	}
	return infos
}

// EachCourier visits every connected courier session.
func (r *Registry) EachCourier(fn func(*CourierSession)) {
	r.mu.RLock()
	sessions := make([]*CourierSession, 0, len(r.couriers))
	for _, s := range r.couriers {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// EachCustomer visits every connected customer session.
func (r *Registry) EachCustomer(fn func(*CustomerSession)) {
	r.mu.RLock()
	sessions := make([]*CustomerSession, 0, len(r.customers))
	for _, s := range r.customers {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}
