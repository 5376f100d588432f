package handlers

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargo-delivery/api/config"
	"cargo-delivery/api/matching"
	"cargo-delivery/api/models"
	"cargo-delivery/api/orders"
	"cargo-delivery/api/presence"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(map[string]interface{}))
	return nil
}

// events returns the frames carrying the given event name.
func (c *fakeConn) events(name string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.frames {
		if f["event"] == name {
			out = append(out, f)
		}
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	cfg := &config.Config{
		Dispatch: config.DispatchConfig{
			SearchRadiusKm:      15,
			MaxCouriersPerOrder: 10,
			LocationStaleness:   10 * time.Minute,
			LaborFee:            15,
			CancelFeePctByStatus: map[string]float64{
				"pending": 0, "accepted": 20, "started": 30,
			},
			CancelFeePctDefault: 25,
		},
	}

	store := newFakeStore()
	registry := presence.NewRegistry()
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		rooms:    presence.NewRooms(),
		matcher:  matching.NewMatcher(registry, cfg.Dispatch.LocationStaleness),
		active:   newActiveOrders(),
	}
	s.machine = orders.NewMachine(store, orders.FeeTable{
		ByStatus: cfg.Dispatch.CancelFeePctByStatus,
		Default:  cfg.Dispatch.CancelFeePctDefault,
	})
	return s, store
}

// pointAtKm returns a point the given distance due north of the origin.
func pointAtKm(km float64) models.GeoPoint {
	return models.GeoPoint{Latitude: km / 6371 * 180 / math.Pi}
}

func connectCourier(s *Server, profile models.Courier, atKm float64) (*presence.CourierSession, *fakeConn) {
	conn := &fakeConn{}
	sess := s.registry.RegisterCourier(profile, conn)
	loc := pointAtKm(atKm)
	s.registry.UpdateCourierState(profile.ID, &loc, nil)
	return sess, conn
}

func connectCustomer(s *Server, id string) (*presence.CustomerSession, *fakeConn) {
	conn := &fakeConn{}
	sess := s.registry.RegisterCustomer(models.Customer{ID: id}, conn)
	return sess, conn
}

func seedOrder(t *testing.T, store *fakeStore, id, customerID string, weightKg float64) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:         id,
		CustomerID: customerID,
		Pickup:     models.GeoPoint{},
		WeightKg:   weightKg,
		LaborCount: 2,
		Price:      models.PriceBreakdown{Base: 50, DistanceFee: 30, WeightFee: 20, Total: 100},
		Status:     models.OrderStatusPending,
	}
	require.NoError(t, store.CreateOrder(context.Background(), o))
	return o
}

func TestBroadcastOrder_RanksAndETA(t *testing.T) {
	s, store := newTestServer(t)
	_, near := connectCourier(s, models.Courier{ID: "near", VehicleCapacityKg: 100, Rating: 4.0}, 1)
	_, far := connectCourier(s, models.Courier{ID: "far", VehicleCapacityKg: 100, Rating: 4.0}, 3)
	order := seedOrder(t, store, "o1", "u1", 80)

	s.BroadcastOrder(context.Background(), order)

	nearOffers := near.events("new_order")
	farOffers := far.events("new_order")
	require.Len(t, nearOffers, 1)
	require.Len(t, farOffers, 1)

	assert.Equal(t, 1, nearOffers[0]["rank"])
	assert.Equal(t, 2, farOffers[0]["rank"])
	assert.Equal(t, 2, nearOffers[0]["estimated_arrival_min"])
	assert.Equal(t, 6, farOffers[0]["estimated_arrival_min"])
	assert.Equal(t, 100.0, nearOffers[0]["estimated_price"])
	assert.Equal(t, 80.0, nearOffers[0]["weight_kg"])
}

func TestBroadcastOrder_NoCouriers(t *testing.T) {
	s, store := newTestServer(t)
	_, customerConn := connectCustomer(s, "u1")
	order := seedOrder(t, store, "o1", "u1", 80)

	s.BroadcastOrder(context.Background(), order)

	require.Len(t, customerConn.events("no_couriers_available"), 1)
}

func TestAcceptRace_FirstAcceptWins(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	sessA, connA := connectCourier(s, models.Courier{ID: "a", VehicleCapacityKg: 100}, 1)
	sessB, connB := connectCourier(s, models.Courier{ID: "b", VehicleCapacityKg: 100}, 2)
	_, customerConn := connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.acceptOrder(ctx, sessA, "o1") }()
	go func() { defer wg.Done(); s.acceptOrder(ctx, sessB, "o1") }()
	wg.Wait()

	confirmedA := len(connA.events("order_acceptance_confirmed"))
	confirmedB := len(connB.events("order_acceptance_confirmed"))
	require.Equal(t, 1, confirmedA+confirmedB, "exactly one courier wins")

	winner, loserConn := sessA, connB
	if confirmedB == 1 {
		winner, loserConn = sessB, connA
	}

	assert.NotEmpty(t, loserConn.events("order_already_taken"))
	assert.Len(t, customerConn.events("order_accepted"), 1,
		"customer hears about the acceptance exactly once")

	// winner is no longer matchable
	_, _, _, available := winner.State()
	assert.False(t, available)
	persisted, ok := store.persistedAvailability(winner.ID)
	require.True(t, ok)
	assert.False(t, persisted)

	order, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, order.Status)
	assert.Equal(t, winner.ID, order.CourierID)
}

func TestAccept_CapacityExceeded(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	moped, mopedConn := connectCourier(s, models.Courier{ID: "moped", VehicleCapacityKg: 30}, 1)
	_, customerConn := connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(ctx, moped, "o1")

	rejected := mopedConn.events("order_capacity_exceeded")
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0]["message"], "capacity")
	assert.Empty(t, customerConn.events("order_accepted"), "no other participant is touched")

	order, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status, "the race is not consumed")

	van, vanConn := connectCourier(s, models.Courier{ID: "van", VehicleCapacityKg: 500}, 2)
	s.acceptOrder(ctx, van, "o1")
	assert.Len(t, vanConn.events("order_acceptance_confirmed"), 1)
}

func TestAccept_PriceGainsLaborSurcharge(t *testing.T) {
	s, store := newTestServer(t)
	sess, _ := connectCourier(s, models.Courier{ID: "c1", VehicleCapacityKg: 100, Rating: 4.9}, 1)
	_, customerConn := connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(context.Background(), sess, "o1")

	accepted := customerConn.events("order_accepted")
	require.Len(t, accepted, 1)
	price, ok := accepted[0]["price"].(models.PriceBreakdown)
	require.True(t, ok)
	assert.Equal(t, 30.0, price.LaborFee, "two helpers at 15 each")
	assert.Equal(t, 130.0, price.Total)

	courier, ok := accepted[0]["courier"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "c1", courier["id"])
	assert.Equal(t, 4.9, courier["rating"])
}

func TestAccept_UnknownOrder(t *testing.T) {
	s, _ := newTestServer(t)
	sess, conn := connectCourier(s, models.Courier{ID: "c1"}, 1)

	s.acceptOrder(context.Background(), sess, "ghost")

	assert.Len(t, conn.events("order_not_found"), 1)
}

// driveToStarted walks an accepted order to started through the machine.
func driveToStarted(t *testing.T, s *Server, orderID, customerID, courierID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.machine.Confirm(ctx, orderID, customerID)
	require.NoError(t, err)
	_, err = s.machine.Start(ctx, orderID, courierID)
	require.NoError(t, err)
}

func TestUpdateOrderStatus_CompletionCodeReachesCustomerOnly(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	sess, courierConn := connectCourier(s, models.Courier{ID: "c1", VehicleCapacityKg: 100}, 1)
	_, customerConn := connectCustomer(s, "u1")
	seedOrder(t, s.store.(*fakeStore), "o1", "u1", 80)

	s.acceptOrder(ctx, sess, "o1")
	driveToStarted(t, s, "o1", "u1", "c1")

	s.updateOrderStatus(ctx, sess, "o1", models.OrderStatusCompleted)

	completed := customerConn.events("order_completed")
	require.Len(t, completed, 1)
	code, ok := completed[0]["confirmation_code"].(string)
	require.True(t, ok)
	assert.Len(t, code, 4)

	courierConn.mu.Lock()
	defer courierConn.mu.Unlock()
	for _, frame := range courierConn.frames {
		_, leaked := frame["confirmation_code"]
		assert.False(t, leaked, "the completion code never reaches the courier")
	}
}

func TestUpdateOrderStatus_WrongCourier(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	sess, _ := connectCourier(s, models.Courier{ID: "c1", VehicleCapacityKg: 100}, 1)
	impostor, impostorConn := connectCourier(s, models.Courier{ID: "c2", VehicleCapacityKg: 100}, 2)
	connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(ctx, sess, "o1")
	driveToStarted(t, s, "o1", "u1", "c1")

	s.updateOrderStatus(ctx, impostor, "o1", models.OrderStatusCompleted)

	notAllowed := impostorConn.events("not_allowed")
	require.Len(t, notAllowed, 1)
	assert.Contains(t, notAllowed[0]["message"], "not assigned")
}

func TestUpdateOrderStatus_UnsupportedStatus(t *testing.T) {
	s, store := newTestServer(t)
	sess, conn := connectCourier(s, models.Courier{ID: "c1"}, 1)
	seedOrder(t, store, "o1", "u1", 80)

	s.updateOrderStatus(context.Background(), sess, "o1", models.OrderStatusVerified)

	assert.Len(t, conn.events("not_allowed"), 1)
}

func TestVerify_RestoresCourierAndCountsTrip(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	sess, courierConn := connectCourier(s, models.Courier{ID: "c1", VehicleCapacityKg: 100}, 1)
	customerSess, customerConn := connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(ctx, sess, "o1")
	driveToStarted(t, s, "o1", "u1", "c1")
	s.updateOrderStatus(ctx, sess, "o1", models.OrderStatusCompleted)

	completed := customerConn.events("order_completed")
	require.Len(t, completed, 1)
	code := completed[0]["confirmation_code"].(string)

	s.verifyDelivery(ctx, customerSess, "o1", code)

	assert.Len(t, customerConn.events("order_verified"), 1)
	assert.Len(t, courierConn.events("order_verified"), 1)
	assert.Equal(t, 1, store.tripCount("c1"))

	_, _, _, available := sess.State()
	assert.True(t, available, "courier is matchable again")

	_, ok := s.active.courierOrder("c1")
	assert.False(t, ok, "active order bookkeeping is cleared")

	t.Run("replayed code is rejected", func(t *testing.T) {
		s.verifyDelivery(ctx, customerSess, "o1", code)
		assert.Len(t, customerConn.events("invalid_code"), 1)
	})
}

func TestCancellationFlow_TwoSteps(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	sess, courierConn := connectCourier(s, models.Courier{ID: "c1", VehicleCapacityKg: 100}, 1)
	customerSess, customerConn := connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(ctx, sess, "o1")

	s.requestCancel(ctx, customerSess, "o1")
	prompts := customerConn.events("cancel_order_confirmation_required")
	require.Len(t, prompts, 1)
	assert.Equal(t, 20.0, prompts[0]["fee"], "accepted cancels at 20 percent of 100")
	code := prompts[0]["code"].(string)

	assert.Empty(t, courierConn.events("order_cancelled"),
		"the courier hears nothing until the code is confirmed")

	order, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, order.Status)

	t.Run("wrong code leaves the order alive", func(t *testing.T) {
		s.confirmCancel(ctx, customerSess, "o1", "WRONG")
		assert.Len(t, customerConn.events("invalid_code"), 1)

		order, err := store.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusAccepted, order.Status)
	})

	s.confirmCancel(ctx, customerSess, "o1", code)

	done := customerConn.events("order_cancelled_successfully")
	require.Len(t, done, 1)
	assert.Equal(t, 20.0, done[0]["fee"])
	assert.Len(t, courierConn.events("order_cancelled"), 1)

	_, _, _, available := sess.State()
	assert.True(t, available, "cancellation releases the courier")
}

func TestCourierLocationUpdate_Relay(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	sess, _ := connectCourier(s, models.Courier{ID: "c1", VehicleCapacityKg: 100, Rating: 4.5}, 1)
	customerSess, customerConn := connectCustomer(s, "u1")
	customerSess.SetLocation(models.GeoPoint{})
	_, bystanderConn := connectCustomer(s, "u2")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(ctx, sess, "o1")

	loc := pointAtKm(2)
	s.courierLocationUpdate(ctx, sess, loc, 45)

	relayed := customerConn.events("driver_location_update")
	require.Len(t, relayed, 1)
	assert.Equal(t, "o1", relayed[0]["order_id"])
	assert.Equal(t, "c1", relayed[0]["courier_id"])
	assert.Equal(t, 45.0, relayed[0]["heading"])

	assert.Empty(t, bystanderConn.events("driver_location_update"),
		"customers without the courier in scope get no tick")

	nearby := customerConn.events("nearbyDriversUpdate")
	require.NotEmpty(t, nearby)
	assert.Empty(t, bystanderConn.events("nearbyDriversUpdate"),
		"customers with no known location get no nearby view")
}

func TestNearbyDrivers_RadiusFiltered(t *testing.T) {
	s, _ := newTestServer(t)
	connectCourier(s, models.Courier{ID: "near", Rating: 4.0}, 2)
	connectCourier(s, models.Courier{ID: "far", Rating: 4.0}, 40)

	drivers := s.nearbyDrivers(models.GeoPoint{})
	require.Len(t, drivers, 1)
	assert.Equal(t, "near", drivers[0]["courier_id"])
	assert.InDelta(t, 2.0, drivers[0]["distance_km"], 0.01)
}

func TestSubscribeNearbyCouriers_BuildsRoom(t *testing.T) {
	s, _ := newTestServer(t)
	connectCourier(s, models.Courier{ID: "near"}, 2)
	connectCourier(s, models.Courier{ID: "far"}, 40)
	customerSess, customerConn := connectCustomer(s, "u1")

	s.subscribeNearbyCouriers(customerSess, models.GeoPoint{})

	assert.True(t, s.rooms.Contains("u1", "near"))
	assert.False(t, s.rooms.Contains("u1", "far"))
	assert.Len(t, customerConn.events("nearbyDriversUpdate"), 1)
}

func TestCourierReconnect_MidOrderStaysBusy(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	profile := models.Courier{ID: "c1", VehicleCapacityKg: 100}
	sess, _ := connectCourier(s, profile, 1)
	connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(ctx, sess, "o1")

	// connection churn while o1 is in flight
	s.registry.UnregisterCourier("c1")
	conn2 := &fakeConn{}
	sess2 := s.attachCourier(ctx, profile, conn2)
	loc := pointAtKm(1)
	s.registry.UpdateCourierState("c1", &loc, nil)

	_, _, _, available := sess2.State()
	assert.False(t, available, "an assigned courier reconnects unavailable")
	persisted, ok := store.persistedAvailability("c1")
	require.True(t, ok)
	assert.False(t, persisted)

	order2 := seedOrder(t, store, "o2", "u1", 50)
	s.BroadcastOrder(ctx, order2)
	assert.Empty(t, conn2.events("new_order"), "a busy courier is never re-offered orders")

	orderID, ok := s.active.courierOrder("c1")
	require.True(t, ok)
	assert.Equal(t, "o1", orderID, "the active assignment survives the reconnect")
}

func TestCourierReconnect_IdleComesBackAvailable(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	profile := models.Courier{ID: "c1", VehicleCapacityKg: 100}
	connectCourier(s, profile, 1)

	s.registry.UnregisterCourier("c1")
	sess2 := s.attachCourier(ctx, profile, &fakeConn{})

	_, _, _, available := sess2.State()
	assert.True(t, available)
	persisted, ok := store.persistedAvailability("c1")
	require.True(t, ok)
	assert.True(t, persisted)
}

func TestReject_ReleasesCourier(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	sess, courierConn := connectCourier(s, models.Courier{ID: "c1", VehicleCapacityKg: 100}, 1)
	customerSess, customerConn := connectCustomer(s, "u1")
	seedOrder(t, store, "o1", "u1", 80)

	s.acceptOrder(ctx, sess, "o1")
	s.rejectOrder(ctx, customerSess, "o1")

	assert.Len(t, courierConn.events("order_rejected"), 1)
	assert.Len(t, customerConn.events("order_rejected"), 1)

	order, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, order.Status)

	_, _, _, available := sess.State()
	assert.True(t, available)
}
