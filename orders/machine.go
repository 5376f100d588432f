package orders

import (
	"context"
	"fmt"
	"math/rand"

	"cargo-delivery/api/models"
)

// FeeTable maps an order status to the cancellation fee percentage charged
// when the customer cancels out of that status. Pending is always free;
// statuses without an explicit rule fall back to Default.
type FeeTable struct {
	ByStatus map[string]float64
	Default  float64
}

// Percent returns the fee percentage (0-100) for cancelling from status.
func (t FeeTable) Percent(status models.OrderStatus) float64 {
	if status == models.OrderStatusPending {
		return 0
	}
	if pct, ok := t.ByStatus[string(status)]; ok {
		return pct
	}
	return t.Default
}

// cancellable lists the statuses a customer may cancel out of.
func cancellable(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusPending, models.OrderStatusAccepted,
		models.OrderStatusConfirmed, models.OrderStatusStarted:
		return true
	}
	return false
}

// Machine owns the order lifecycle. Every transition is a conditional write
// against the store: the new status lands only if the persisted status still
// equals the expected prior one, which is what makes first-accept-wins hold
// under concurrent actors. Callers must not apply side effects when a
// transition returns ErrConflict.
type Machine struct {
	store Store
	fees  FeeTable

	// newCode is swappable in tests.
	newCode func() string
}

func NewMachine(store Store, fees FeeTable) *Machine {
	return &Machine{store: store, fees: fees, newCode: newConfirmCode}
}

func newConfirmCode() string {
	return fmt.Sprintf("%04d", rand.Intn(10000))
}

// Accept resolves a courier's claim on a pending order. The capacity guard
// runs before the conditional write and fails with ErrPreconditionFailed
// without consuming the race; losing the write itself yields ErrConflict.
func (m *Machine) Accept(ctx context.Context, orderID string, courier models.Courier) (*models.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, ErrConflict
	}
	if courier.VehicleCapacityKg > 0 && order.WeightKg > courier.VehicleCapacityKg {
		return nil, fmt.Errorf("%w: order weight %.1fkg exceeds vehicle capacity %.1fkg",
			ErrPreconditionFailed, order.WeightKg, courier.VehicleCapacityKg)
	}

	ok, err := m.store.UpdateOrderStatus(ctx, orderID, models.OrderStatusPending, models.OrderStatusAccepted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	if err := m.store.SetOrderCourier(ctx, orderID, courier.ID); err != nil {
		// an order must never sit accepted with no courier recorded;
		// put it back up for grabs
		_, _ = m.store.UpdateOrderStatus(ctx, orderID, models.OrderStatusAccepted, models.OrderStatusPending)
		return nil, err
	}
	order.Status = models.OrderStatusAccepted
	order.CourierID = courier.ID
	return order, nil
}

// Confirm is the customer's acknowledgement of the assigned courier.
func (m *Machine) Confirm(ctx context.Context, orderID, customerID string) (*models.Order, error) {
	order, err := m.requireCustomer(ctx, orderID, customerID)
	if err != nil {
		return nil, err
	}
	if err := m.transition(ctx, order, models.OrderStatusAccepted, models.OrderStatusConfirmed); err != nil {
		return nil, err
	}
	return order, nil
}

// Reject is the customer-side withdrawal from an accepted order; terminal.
func (m *Machine) Reject(ctx context.Context, orderID, customerID string) (*models.Order, error) {
	order, err := m.requireCustomer(ctx, orderID, customerID)
	if err != nil {
		return nil, err
	}
	if err := m.transition(ctx, order, models.OrderStatusAccepted, models.OrderStatusRejected); err != nil {
		return nil, err
	}
	return order, nil
}

// Start marks pickup begun. Only the assigned courier may drive it.
func (m *Machine) Start(ctx context.Context, orderID, courierID string) (*models.Order, error) {
	order, err := m.requireCourier(ctx, orderID, courierID)
	if err != nil {
		return nil, err
	}
	if err := m.transition(ctx, order, models.OrderStatusConfirmed, models.OrderStatusStarted); err != nil {
		return nil, err
	}
	return order, nil
}

// Complete records the courier's delivery claim and mints the completion
// confirmation code the customer must echo back to reach verified.
func (m *Machine) Complete(ctx context.Context, orderID, courierID string) (*models.Order, string, error) {
	order, err := m.requireCourier(ctx, orderID, courierID)
	if err != nil {
		return nil, "", err
	}
	if err := m.transition(ctx, order, models.OrderStatusStarted, models.OrderStatusCompleted); err != nil {
		return nil, "", err
	}

	code := m.newCode()
	if err := m.store.SetCompletionCode(ctx, orderID, code); err != nil {
		return nil, "", err
	}
	order.CompletionCode = code
	return order, code, nil
}

// Verify corroborates delivery with the customer's code. The code is
// single-use: it is cleared the moment the transition lands.
func (m *Machine) Verify(ctx context.Context, orderID, customerID, code string) (*models.Order, error) {
	order, err := m.requireCustomer(ctx, orderID, customerID)
	if err != nil {
		return nil, err
	}
	if order.CompletionCode == "" || order.CompletionCode != code {
		return nil, ErrInvalidCode
	}
	if err := m.transition(ctx, order, models.OrderStatusCompleted, models.OrderStatusVerified); err != nil {
		return nil, err
	}
	if err := m.store.ClearCompletionCode(ctx, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

// RequestCancel is step one of the two-step cancellation: it computes the
// fee from the order's current status and stores a confirmation code. The
// order's status does not move until the code comes back.
func (m *Machine) RequestCancel(ctx context.Context, orderID, customerID string) (code string, fee float64, err error) {
	order, err := m.requireCustomer(ctx, orderID, customerID)
	if err != nil {
		return "", 0, err
	}
	if !cancellable(order.Status) {
		return "", 0, fmt.Errorf("%w: order is %s", ErrPreconditionFailed, order.Status)
	}

	fee = order.Price.Total * m.fees.Percent(order.Status) / 100
	code = m.newCode()
	if err := m.store.SetCancellation(ctx, orderID, code, fee); err != nil {
		return "", 0, err
	}
	return code, fee, nil
}

// ConfirmCancel is step two: the matching code drives the conditional
// transition to cancelled and is then invalidated.
func (m *Machine) ConfirmCancel(ctx context.Context, orderID, customerID, code string) (*models.Order, error) {
	order, err := m.requireCustomer(ctx, orderID, customerID)
	if err != nil {
		return nil, err
	}
	if order.CancellationCode == "" || order.CancellationCode != code {
		return nil, ErrInvalidCode
	}
	if !cancellable(order.Status) {
		return nil, fmt.Errorf("%w: order is %s", ErrPreconditionFailed, order.Status)
	}

	if err := m.transition(ctx, order, order.Status, models.OrderStatusCancelled); err != nil {
		return nil, err
	}
	if err := m.store.ClearCancellation(ctx, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

// transition performs the conditional write and mirrors the result onto the
// in-memory copy.
func (m *Machine) transition(ctx context.Context, order *models.Order, from, to models.OrderStatus) error {
	if order.Status != from {
		return fmt.Errorf("%w: order is %s, expected %s", ErrConflict, order.Status, from)
	}
	ok, err := m.store.UpdateOrderStatus(ctx, order.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	order.Status = to
	return nil
}

func (m *Machine) requireCourier(ctx context.Context, orderID, courierID string) (*models.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CourierID != courierID {
		return nil, fmt.Errorf("%w: courier %s is not assigned to order %s", ErrPreconditionFailed, courierID, orderID)
	}
	return order, nil
}

func (m *Machine) requireCustomer(ctx context.Context, orderID, customerID string) (*models.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CustomerID != customerID {
		return nil, fmt.Errorf("%w: customer %s does not own order %s", ErrPreconditionFailed, customerID, orderID)
	}
	return order, nil
}
