package orders

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"cargo-delivery/api/models"
)

// Store is the durable store collaborator. UpdateOrderStatus is the
// optimistic-concurrency primitive every transition rides on: it writes the
// new status only if the persisted status still equals from, and reports
// whether the write happened.
type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus) (bool, error)
	SetOrderCourier(ctx context.Context, id, courierID string) error
	SetCancellation(ctx context.Context, id, code string, fee float64) error
	ClearCancellation(ctx context.Context, id string) error
	SetCompletionCode(ctx context.Context, id, code string) error
	ClearCompletionCode(ctx context.Context, id string) error

	GetCourier(ctx context.Context, id string) (*models.Courier, error)
	SaveCourier(ctx context.Context, c *models.Courier) error
	SaveCourierLocation(ctx context.Context, id string, loc models.GeoPoint) error
	SetCourierAvailability(ctx context.Context, id string, available bool) error
	IncrementCourierTrips(ctx context.Context, id string) error

	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	SaveCustomer(ctx context.Context, c *models.Customer) error
}

// casStatus compares the order's persisted status with ARGV[1] and, only on
// match, writes ARGV[2]. Runs atomically inside redis.
var casStatus = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == ARGV[1] then
    redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[3])
    return 1
end
return 0
`)

// RedisStore keeps every entity as a redis hash: order:<id>, courier:<id>,
// customer:<id>.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func orderKey(id string) string    { return "order:" + id }
func courierKey(id string) string  { return "courier:" + id }
func customerKey(id string) string { return "customer:" + id }

func (s *RedisStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	data, err := s.rdb.HGetAll(ctx, orderKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	o := &models.Order{
		ID:               data["id"],
		CustomerID:       data["customer_id"],
		CourierID:        data["courier_id"],
		Status:           models.OrderStatus(data["status"]),
		CancellationCode: data["cancel_code"],
		CompletionCode:   data["completion_code"],
	}
	o.Pickup.Latitude, _ = strconv.ParseFloat(data["pickup_lat"], 64)
	o.Pickup.Longitude, _ = strconv.ParseFloat(data["pickup_lng"], 64)
	o.Destination.Latitude, _ = strconv.ParseFloat(data["dest_lat"], 64)
	o.Destination.Longitude, _ = strconv.ParseFloat(data["dest_lng"], 64)
	o.WeightKg, _ = strconv.ParseFloat(data["weight_kg"], 64)
	o.LaborCount, _ = strconv.Atoi(data["labor_count"])
	o.Price.Base, _ = strconv.ParseFloat(data["price_base"], 64)
	o.Price.DistanceFee, _ = strconv.ParseFloat(data["price_distance"], 64)
	o.Price.WeightFee, _ = strconv.ParseFloat(data["price_weight"], 64)
	o.Price.LaborFee, _ = strconv.ParseFloat(data["price_labor"], 64)
	o.Price.Total, _ = strconv.ParseFloat(data["price_total"], 64)
	o.CancellationFee, _ = strconv.ParseFloat(data["cancel_fee"], 64)
	if ts, err := strconv.ParseInt(data["created_at"], 10, 64); err == nil {
		o.CreatedAt = time.Unix(ts, 0)
	}
	if ts, err := strconv.ParseInt(data["updated_at"], 10, 64); err == nil {
		o.UpdatedAt = time.Unix(ts, 0)
	}
	return o, nil
}

func (s *RedisStore) CreateOrder(ctx context.Context, o *models.Order) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	return s.rdb.HSet(ctx, orderKey(o.ID), map[string]interface{}{
		"id":             o.ID,
		"customer_id":    o.CustomerID,
		"courier_id":     o.CourierID,
		"pickup_lat":     o.Pickup.Latitude,
		"pickup_lng":     o.Pickup.Longitude,
		"dest_lat":       o.Destination.Latitude,
		"dest_lng":       o.Destination.Longitude,
		"weight_kg":      o.WeightKg,
		"labor_count":    o.LaborCount,
		"price_base":     o.Price.Base,
		"price_distance": o.Price.DistanceFee,
		"price_weight":   o.Price.WeightFee,
		"price_labor":    o.Price.LaborFee,
		"price_total":    o.Price.Total,
		"status":         string(o.Status),
		"created_at":     o.CreatedAt.Unix(),
		"updated_at":     o.UpdatedAt.Unix(),
	}).Err()
}

func (s *RedisStore) UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus) (bool, error) {
	n, err := casStatus.Run(ctx, s.rdb, []string{orderKey(id)},
		string(from), string(to), time.Now().Unix()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) SetOrderCourier(ctx context.Context, id, courierID string) error {
	return s.rdb.HSet(ctx, orderKey(id), "courier_id", courierID).Err()
}

func (s *RedisStore) SetCancellation(ctx context.Context, id, code string, fee float64) error {
	return s.rdb.HSet(ctx, orderKey(id), "cancel_code", code, "cancel_fee", fee).Err()
}

func (s *RedisStore) ClearCancellation(ctx context.Context, id string) error {
	return s.rdb.HSet(ctx, orderKey(id), "cancel_code", "").Err()
}

func (s *RedisStore) SetCompletionCode(ctx context.Context, id, code string) error {
	return s.rdb.HSet(ctx, orderKey(id), "completion_code", code).Err()
}

func (s *RedisStore) ClearCompletionCode(ctx context.Context, id string) error {
	return s.rdb.HSet(ctx, orderKey(id), "completion_code", "").Err()
}

func (s *RedisStore) GetCourier(ctx context.Context, id string) (*models.Courier, error) {
	data, err := s.rdb.HGetAll(ctx, courierKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	c := &models.Courier{
		ID:        id,
		AccountID: data["account_id"],
		Name:      data["name"],
		Phone:     data["phone"],
		Vehicle:   data["vehicle"],
	}
	c.VehicleCapacityKg, _ = strconv.ParseFloat(data["vehicle_capacity_kg"], 64)
	c.Rating, _ = strconv.ParseFloat(data["rating"], 64)
	c.TotalTrips, _ = strconv.Atoi(data["total_trips"])
	return c, nil
}

func (s *RedisStore) SaveCourier(ctx context.Context, c *models.Courier) error {
	return s.rdb.HSet(ctx, courierKey(c.ID), map[string]interface{}{
		"id":                  c.ID,
		"account_id":          c.AccountID,
		"name":                c.Name,
		"phone":               c.Phone,
		"vehicle":             c.Vehicle,
		"vehicle_capacity_kg": c.VehicleCapacityKg,
		"rating":              c.Rating,
		"total_trips":         c.TotalTrips,
	}).Err()
}

func (s *RedisStore) SaveCourierLocation(ctx context.Context, id string, loc models.GeoPoint) error {
	return s.rdb.HSet(ctx, courierKey(id), map[string]interface{}{
		"latitude":    loc.Latitude,
		"longitude":   loc.Longitude,
		"last_update": time.Now().Unix(),
	}).Err()
}

func (s *RedisStore) SetCourierAvailability(ctx context.Context, id string, available bool) error {
	return s.rdb.HSet(ctx, courierKey(id), "is_available", strconv.FormatBool(available)).Err()
}

func (s *RedisStore) IncrementCourierTrips(ctx context.Context, id string) error {
	return s.rdb.HIncrBy(ctx, courierKey(id), "total_trips", 1).Err()
}

func (s *RedisStore) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	data, err := s.rdb.HGetAll(ctx, customerKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return &models.Customer{ID: id, Name: data["name"], Phone: data["phone"]}, nil
}

func (s *RedisStore) SaveCustomer(ctx context.Context, c *models.Customer) error {
	return s.rdb.HSet(ctx, customerKey(c.ID), map[string]interface{}{
		"id":    c.ID,
		"name":  c.Name,
		"phone": c.Phone,
	}).Err()
}
