package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/websocket/v2"

	"cargo-delivery/api/matching"
	"cargo-delivery/api/models"
	"cargo-delivery/api/orders"
	"cargo-delivery/api/presence"
)

// wsMessage is the inbound frame shape shared by both roles. Fields not
// relevant to a given event are simply zero.
type wsMessage struct {
	Event     string  `json:"event"`
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	Code      string  `json:"code"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Heading   float64 `json:"heading"`
	Available *bool   `json:"available"`
}

// HandleCourierWS owns a courier connection for its whole lifetime. On
// disconnect the courier leaves the registry and its persisted availability
// is forced off, since a disconnected courier cannot be matched.
func (s *Server) HandleCourierWS(c *websocket.Conn) {
	principal, ok := c.Locals("principal").(Principal)
	if !ok || principal.Role != RoleCourier {
		return
	}
	ctx := context.Background()

	profile, err := s.store.GetCourier(ctx, principal.ID)
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			log.Printf("Error loading courier %s: %v", principal.ID, err)
		}
		profile = &models.Courier{ID: principal.ID, AccountID: principal.AccountID}
	}

	sess := s.attachCourier(ctx, *profile, c)
	connectedCouriers.Inc()
	defer func() {
		connectedCouriers.Dec()
		if !s.registry.UnregisterCourierSession(principal.ID, sess) {
			// a newer connection already replaced this session
			return
		}
		if err := s.store.SetCourierAvailability(ctx, principal.ID, false); err != nil {
			log.Printf("Error persisting courier %s offline: %v", principal.ID, err)
		}
	}()

	if fresh, ok := c.Locals("fresh_token").(string); ok {
		s.send(sess.Session, "token_refreshed", map[string]interface{}{"token": fresh})
	}

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Event {
		case "accept_order":
			s.acceptOrder(ctx, sess, msg.OrderID)
		case "update_order_status":
			s.updateOrderStatus(ctx, sess, msg.OrderID, models.OrderStatus(msg.Status))
		case "location_update":
			s.courierLocationUpdate(ctx, sess, models.GeoPoint{Latitude: msg.Latitude, Longitude: msg.Longitude}, msg.Heading)
		case "set_availability":
			if msg.Available != nil {
				s.registry.UpdateCourierState(sess.ID, nil, msg.Available)
				if err := s.store.SetCourierAvailability(ctx, sess.ID, *msg.Available); err != nil {
					log.Printf("Error persisting courier %s availability: %v", sess.ID, err)
				}
			}
		}
	}
}

// attachCourier registers the courier session and restores its availability.
// A courier reconnecting mid-order comes back unavailable: its assignment
// outlives the connection, so a fresh connection must not re-enter the
// matching pool until the order ends.
func (s *Server) attachCourier(ctx context.Context, profile models.Courier, conn presence.Conn) *presence.CourierSession {
	sess := s.registry.RegisterCourier(profile, conn)

	_, busy := s.active.courierOrder(profile.ID)
	if busy {
		unavailable := false
		s.registry.UpdateCourierState(profile.ID, nil, &unavailable)
	}
	if err := s.store.SetCourierAvailability(ctx, profile.ID, !busy); err != nil {
		log.Printf("Error persisting courier %s online: %v", profile.ID, err)
	}
	return sess
}

// HandleCustomerWS owns a customer connection. Room membership for location
// pushes is computed here, once, from the customer's connect-time location.
func (s *Server) HandleCustomerWS(c *websocket.Conn) {
	principal, ok := c.Locals("principal").(Principal)
	if !ok || principal.Role != RoleCustomer {
		return
	}
	ctx := context.Background()

	customer, err := s.store.GetCustomer(ctx, principal.ID)
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			log.Printf("Error loading customer %s: %v", principal.ID, err)
		}
		customer = &models.Customer{ID: principal.ID}
	}

	sess := s.registry.RegisterCustomer(*customer, c)
	defer func() {
		if s.registry.UnregisterCustomerSession(principal.ID, sess) {
			s.rooms.Drop(principal.ID)
		}
	}()

	if fresh, ok := c.Locals("fresh_token").(string); ok {
		s.send(sess.Session, "token_refreshed", map[string]interface{}{"token": fresh})
	}

	if loc, ok := connectLocation(c); ok {
		sess.SetLocation(loc)
		s.subscribeNearbyCouriers(sess, loc)
	}

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Event {
		case "confirm_order":
			s.confirmOrder(ctx, sess, msg.OrderID)
		case "reject_order":
			s.rejectOrder(ctx, sess, msg.OrderID)
		case "cancel_order":
			s.requestCancel(ctx, sess, msg.OrderID)
		case "cancel_order_with_code":
			s.confirmCancel(ctx, sess, msg.OrderID, msg.Code)
		case "verify_delivery":
			s.verifyDelivery(ctx, sess, msg.OrderID, msg.Code)
		case "location_update":
			sess.SetLocation(models.GeoPoint{Latitude: msg.Latitude, Longitude: msg.Longitude})
		}
	}
}

// BroadcastOrder offers a pending order to the ranked couriers around its
// pickup point. An empty candidate pool leaves the order pending and tells
// the customer nobody is nearby.
func (s *Server) BroadcastOrder(ctx context.Context, order *models.Order) {
	s.active.addPending(order.ID)

	candidates := s.matcher.FindRanked(order.Pickup, order.WeightKg,
		s.cfg.Dispatch.SearchRadiusKm, s.cfg.Dispatch.MaxCouriersPerOrder)

	if len(candidates) == 0 {
		log.Printf("No available couriers for order %s", order.ID)
		if customer, ok := s.registry.Customer(order.CustomerID); ok {
			s.send(customer.Session, "no_couriers_available", map[string]interface{}{"order_id": order.ID})
		}
		s.logEvent(map[string]interface{}{"event": "order_unmatched", "order_id": order.ID})
		return
	}

	for _, cand := range candidates {
		courier, ok := s.registry.Courier(cand.CourierID)
		if !ok {
			continue
		}
		s.send(courier.Session, "new_order", map[string]interface{}{
			"order_id":              order.ID,
			"pickup":                order.Pickup,
			"destination":           order.Destination,
			"weight_kg":             order.WeightKg,
			"labor_count":           order.LaborCount,
			"estimated_price":       order.Price.Total,
			"rank":                  cand.Rank,
			"estimated_arrival_min": matching.EstimatedArrivalMin(cand.DistanceKm),
		})
	}

	ordersBroadcast.Inc()
	s.logEvent(map[string]interface{}{
		"event":    "order_broadcast",
		"order_id": order.ID,
		"couriers": len(candidates),
	})
}

// acceptOrder resolves the accept race. Exactly one courier wins the
// conditional pending→accepted write; every loser is answered individually
// and no other participant is touched on failure.
func (s *Server) acceptOrder(ctx context.Context, sess *presence.CourierSession, orderID string) {
	order, err := s.machine.Accept(ctx, orderID, sess.Profile)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrConflict):
			s.send(sess.Session, "order_already_taken", map[string]interface{}{"order_id": orderID})
		case errors.Is(err, orders.ErrPreconditionFailed):
			s.send(sess.Session, "order_capacity_exceeded", map[string]interface{}{
				"order_id": orderID,
				"message":  err.Error(),
			})
		default:
			s.sendError(sess.Session, orderID, err)
		}
		return
	}

	unavailable := false
	s.registry.UpdateCourierState(sess.ID, nil, &unavailable)
	if err := s.store.SetCourierAvailability(ctx, sess.ID, false); err != nil {
		log.Printf("Error persisting courier %s busy: %v", sess.ID, err)
	}
	s.active.claim(order.ID, order.CustomerID, sess.ID)

	// Labor surcharge joins the price once a crew is actually committed.
	price := order.Price
	price.LaborFee = float64(order.LaborCount) * s.cfg.Dispatch.LaborFee
	price.Total += price.LaborFee

	if customer, ok := s.registry.Customer(order.CustomerID); ok {
		s.send(customer.Session, "order_accepted", map[string]interface{}{
			"order_id": order.ID,
			"courier": map[string]interface{}{
				"id":      sess.Profile.ID,
				"name":    sess.Profile.Name,
				"vehicle": sess.Profile.Vehicle,
				"rating":  sess.Profile.Rating,
			},
			"price": price,
		})
	}

	s.registry.EachCourier(func(other *presence.CourierSession) {
		if other.ID == sess.ID {
			return
		}
		s.send(other.Session, "order_already_taken", map[string]interface{}{"order_id": order.ID})
	})

	contact := map[string]interface{}{"id": order.CustomerID}
	if customer, err := s.store.GetCustomer(ctx, order.CustomerID); err == nil {
		contact["name"] = customer.Name
		contact["phone"] = customer.Phone
	}
	s.send(sess.Session, "order_acceptance_confirmed", map[string]interface{}{
		"order_id":    order.ID,
		"customer":    contact,
		"pickup":      order.Pickup,
		"destination": order.Destination,
	})

	ordersAccepted.Inc()
	s.logEvent(map[string]interface{}{
		"event":      "order_accepted",
		"order_id":   order.ID,
		"courier_id": sess.ID,
	})
}

// updateOrderStatus advances started/completed on behalf of the assigned
// courier. The completion confirmation code travels to the customer only.
func (s *Server) updateOrderStatus(ctx context.Context, sess *presence.CourierSession, orderID string, status models.OrderStatus) {
	switch status {
	case models.OrderStatusStarted:
		order, err := s.machine.Start(ctx, orderID, sess.ID)
		if err != nil {
			s.sendError(sess.Session, orderID, err)
			return
		}
		s.notifyStatus(order, status)

	case models.OrderStatusCompleted:
		order, code, err := s.machine.Complete(ctx, orderID, sess.ID)
		if err != nil {
			s.sendError(sess.Session, orderID, err)
			return
		}
		if customer, ok := s.registry.Customer(order.CustomerID); ok {
			s.send(customer.Session, "order_completed", map[string]interface{}{
				"order_id":          orderID,
				"confirmation_code": code,
			})
		}
		s.send(sess.Session, "order_status_updated", map[string]interface{}{
			"order_id": orderID,
			"status":   string(status),
		})

	default:
		s.send(sess.Session, "not_allowed", map[string]interface{}{
			"order_id": orderID,
			"message":  "unsupported status " + string(status),
		})
		return
	}

	s.logEvent(map[string]interface{}{
		"event":      "order_status_updated",
		"order_id":   orderID,
		"courier_id": sess.ID,
		"status":     string(status),
	})
}

func (s *Server) confirmOrder(ctx context.Context, sess *presence.CustomerSession, orderID string) {
	order, err := s.machine.Confirm(ctx, orderID, sess.ID)
	if err != nil {
		s.sendError(sess.Session, orderID, err)
		return
	}
	s.notifyStatus(order, models.OrderStatusConfirmed)
	s.logEvent(map[string]interface{}{"event": "order_confirmed", "order_id": orderID})
}

func (s *Server) rejectOrder(ctx context.Context, sess *presence.CustomerSession, orderID string) {
	order, err := s.machine.Reject(ctx, orderID, sess.ID)
	if err != nil {
		s.sendError(sess.Session, orderID, err)
		return
	}

	s.releaseCourier(ctx, order.CourierID)
	s.active.drop(orderID)
	if courier, ok := s.registry.Courier(order.CourierID); ok {
		s.send(courier.Session, "order_rejected", map[string]interface{}{"order_id": orderID})
	}
	s.send(sess.Session, "order_rejected", map[string]interface{}{"order_id": orderID})
	s.logEvent(map[string]interface{}{"event": "order_rejected", "order_id": orderID})
}

// requestCancel answers only the requesting customer with the fee and the
// code; nothing else moves until the code comes back.
func (s *Server) requestCancel(ctx context.Context, sess *presence.CustomerSession, orderID string) {
	code, fee, err := s.machine.RequestCancel(ctx, orderID, sess.ID)
	if err != nil {
		s.sendError(sess.Session, orderID, err)
		return
	}
	s.send(sess.Session, "cancel_order_confirmation_required", map[string]interface{}{
		"order_id": orderID,
		"code":     code,
		"fee":      fee,
	})
}

func (s *Server) confirmCancel(ctx context.Context, sess *presence.CustomerSession, orderID, code string) {
	order, err := s.machine.ConfirmCancel(ctx, orderID, sess.ID, code)
	if err != nil {
		s.sendError(sess.Session, orderID, err)
		return
	}

	if order.CourierID != "" {
		s.releaseCourier(ctx, order.CourierID)
		if courier, ok := s.registry.Courier(order.CourierID); ok {
			s.send(courier.Session, "order_cancelled", map[string]interface{}{"order_id": orderID})
		}
	}
	s.active.drop(orderID)

	s.send(sess.Session, "order_cancelled_successfully", map[string]interface{}{
		"order_id": orderID,
		"fee":      order.CancellationFee,
	})
	ordersCancelled.Inc()
	s.logEvent(map[string]interface{}{
		"event":    "order_cancelled",
		"order_id": orderID,
		"fee":      order.CancellationFee,
	})
}

func (s *Server) verifyDelivery(ctx context.Context, sess *presence.CustomerSession, orderID, code string) {
	order, err := s.machine.Verify(ctx, orderID, sess.ID, code)
	if err != nil {
		s.sendError(sess.Session, orderID, err)
		return
	}

	s.releaseCourier(ctx, order.CourierID)
	if err := s.store.IncrementCourierTrips(ctx, order.CourierID); err != nil {
		log.Printf("Error incrementing trips for courier %s: %v", order.CourierID, err)
	}
	s.active.drop(orderID)

	if courier, ok := s.registry.Courier(order.CourierID); ok {
		s.send(courier.Session, "order_verified", map[string]interface{}{"order_id": orderID})
	}
	s.send(sess.Session, "order_verified", map[string]interface{}{"order_id": orderID})
	ordersVerified.Inc()
	s.logEvent(map[string]interface{}{"event": "order_verified", "order_id": orderID})
}

// courierLocationUpdate persists the tick, relays it to the customer of the
// courier's active order and to the courier's room subscribers, then
// refreshes the nearby-couriers view for every located customer. The last
// step is a full recompute on each tick.
func (s *Server) courierLocationUpdate(ctx context.Context, sess *presence.CourierSession, loc models.GeoPoint, heading float64) {
	s.registry.UpdateCourierState(sess.ID, &loc, nil)
	if err := s.store.SaveCourierLocation(ctx, sess.ID, loc); err != nil {
		log.Printf("Error persisting location for courier %s: %v", sess.ID, err)
	}

	update := map[string]interface{}{
		"courier_id": sess.ID,
		"latitude":   loc.Latitude,
		"longitude":  loc.Longitude,
		"heading":    heading,
	}

	sent := map[string]bool{}
	if orderID, ok := s.active.courierOrder(sess.ID); ok {
		if parties, ok := s.active.parties(orderID); ok {
			if customer, ok := s.registry.Customer(parties.customerID); ok {
				withOrder := map[string]interface{}{"order_id": orderID}
				for k, v := range update {
					withOrder[k] = v
				}
				s.send(customer.Session, "driver_location_update", withOrder)
				sent[parties.customerID] = true
			}
		}
	}

	for _, customerID := range s.rooms.CustomersFor(sess.ID) {
		if sent[customerID] {
			continue
		}
		if customer, ok := s.registry.Customer(customerID); ok {
			s.send(customer.Session, "driver_location_update", update)
		}
	}

	s.registry.EachCustomer(func(customer *presence.CustomerSession) {
		origin, ok := customer.Location()
		if !ok {
			return
		}
		s.send(customer.Session, "nearbyDriversUpdate", map[string]interface{}{
			"drivers": s.nearbyDrivers(origin),
		})
	})
}

// nearbyDrivers lists available couriers within the search radius of origin.
func (s *Server) nearbyDrivers(origin models.GeoPoint) []map[string]interface{} {
	drivers := make([]map[string]interface{}, 0)
	for _, c := range s.registry.Couriers() {
		if !c.Available || !c.HasLocation {
			continue
		}
		dist := matching.DistanceKm(origin.Latitude, origin.Longitude, c.Location.Latitude, c.Location.Longitude)
		if dist > s.cfg.Dispatch.SearchRadiusKm {
			continue
		}
		drivers = append(drivers, map[string]interface{}{
			"courier_id":  c.ID,
			"latitude":    c.Location.Latitude,
			"longitude":   c.Location.Longitude,
			"distance_km": dist,
			"rating":      c.Rating,
		})
	}
	return drivers
}

// subscribeNearbyCouriers builds the customer's room from the couriers
// around their connect-time location. Membership is not chased afterwards.
func (s *Server) subscribeNearbyCouriers(sess *presence.CustomerSession, loc models.GeoPoint) {
	candidates := s.matcher.FindRanked(loc, 0, s.cfg.Dispatch.SearchRadiusKm, 0)
	ids := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		ids = append(ids, cand.CourierID)
	}
	s.rooms.SetMembers(sess.ID, ids)

	s.send(sess.Session, "nearbyDriversUpdate", map[string]interface{}{
		"drivers": s.nearbyDrivers(loc),
	})
}

// releaseCourier flips a courier back to matchable after its order ended.
func (s *Server) releaseCourier(ctx context.Context, courierID string) {
	if courierID == "" {
		return
	}
	available := true
	s.registry.UpdateCourierState(courierID, nil, &available)
	if err := s.store.SetCourierAvailability(ctx, courierID, true); err != nil {
		log.Printf("Error persisting courier %s available: %v", courierID, err)
	}
}

// send pushes one event, logging and swallowing transport failures: a dead
// connection never blocks or reverses a transition that already happened.
func (s *Server) send(sess *presence.Session, event string, payload map[string]interface{}) {
	if err := sess.Send(event, payload); err != nil {
		log.Printf("Dropped %s push to %s: %v", event, sess.ID, err)
	}
}

// sendError maps a state machine failure onto the wire so the actor always
// learns why its request was rejected.
func (s *Server) sendError(sess *presence.Session, orderID string, err error) {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		s.send(sess, "order_not_found", map[string]interface{}{"order_id": orderID})
	case errors.Is(err, orders.ErrInvalidCode):
		s.send(sess, "invalid_code", map[string]interface{}{"order_id": orderID})
	case errors.Is(err, orders.ErrConflict):
		s.send(sess, "order_conflict", map[string]interface{}{"order_id": orderID, "message": err.Error()})
	case errors.Is(err, orders.ErrPreconditionFailed):
		s.send(sess, "not_allowed", map[string]interface{}{"order_id": orderID, "message": err.Error()})
	default:
		log.Printf("Dispatch error on order %s: %v", orderID, err)
		s.send(sess, "dispatch_error", map[string]interface{}{"order_id": orderID})
	}
}

// notifyStatus tells the counterparty about a status change.
func (s *Server) notifyStatus(order *models.Order, status models.OrderStatus) {
	payload := map[string]interface{}{
		"order_id": order.ID,
		"status":   string(status),
	}
	if customer, ok := s.registry.Customer(order.CustomerID); ok {
		s.send(customer.Session, "order_status_updated", payload)
	}
	if order.CourierID != "" {
		if courier, ok := s.registry.Courier(order.CourierID); ok {
			s.send(courier.Session, "order_status_updated", payload)
		}
	}
}

// connectLocation reads the optional connect-time coordinates from the
// upgrade request query.
func connectLocation(c *websocket.Conn) (models.GeoPoint, bool) {
	latStr := c.Query("latitude")
	lngStr := c.Query("longitude")
	if latStr == "" || lngStr == "" {
		return models.GeoPoint{}, false
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return models.GeoPoint{}, false
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return models.GeoPoint{}, false
	}
	return models.GeoPoint{Latitude: lat, Longitude: lng}, true
}
