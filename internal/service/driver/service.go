package driver

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/entity"
	actorrepo "github.com/Additional-Code/dispatch/internal/repository/actor"
	orderrepo "github.com/Additional-Code/dispatch/internal/repository/order"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/dispatch/service/driver")

// Module provides the driver service to Fx.
var Module = fx.Provide(NewService)

// Presence stores driver presence and position samples.
type Presence interface {
	SetOnline(ctx context.Context, driverID string, online bool, at time.Time) error
	RecordLocation(ctx context.Context, loc *entity.DriverLocation) error
}

// Orders reads the order a location sample refers to.
type Orders interface {
	Get(ctx context.Context, id string) (*entity.Order, error)
}

// LocationInput is a position sample reported by a driver.
type LocationInput struct {
	OrderID string
	Lat     float64
	Lng     float64
	Heading *float64
	Speed   *float64
}

// LocationUpdate is the accepted sample plus the delivery estimate derived from it.
type LocationUpdate struct {
	DriverID            string     `json:"driver_id"`
	OrderID             string     `json:"order_id,omitempty"`
	CustomerID          string     `json:"customer_id,omitempty"`
	Lat                 float64    `json:"lat"`
	Lng                 float64    `json:"lng"`
	Heading             *float64   `json:"heading,omitempty"`
	Speed               *float64   `json:"speed,omitempty"`
	RecordedAt          time.Time  `json:"recorded_at"`
	DistanceKm          *float64   `json:"distance_km,omitempty"`
	EstimatedDeliveryAt *time.Time `json:"estimated_delivery_at,omitempty"`
}

// Service maintains driver presence and location.
type Service struct {
	presence Presence
	orders   Orders
	clock    clock.Clock
	speedKmh float64
	logger   *zap.Logger
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Actors *actorrepo.Repository
	Orders *orderrepo.Repository
	Clock  clock.Clock
	Config config.Config
	Logger *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return New(p.Actors, p.Orders, p.Clock, p.Config.Orders.DriverSpeedKmh, p.Logger)
}

// New builds a Service from its collaborators.
func New(presence Presence, orders Orders, clk clock.Clock, speedKmh float64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{presence: presence, orders: orders, clock: clk, speedKmh: speedKmh, logger: logger.Named("driver_service")}
}

// SetOnline records that a driver connected or disconnected.
func (s *Service) SetOnline(ctx context.Context, driverID string, online bool) error {
	err := s.presence.SetOnline(ctx, driverID, online, s.clock.Now())
	if errors.Is(err, actorrepo.ErrNotFound) {
		return errorbank.NotFound("driver profile not found", errorbank.WithDetail("driver_id", driverID))
	}
	if err != nil {
		return errorbank.Internal("failed to update driver presence", errorbank.WithCause(err))
	}
	return nil
}

// UpdateLocation stores a position sample. When the sample references an
// order it must be the driver's own delivery; the result then carries the
// distance to the drop-off and a fresh delivery estimate.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, in LocationInput) (*LocationUpdate, error) {
	ctx, span := serviceTracer.Start(ctx, "DriverService.UpdateLocation", trace.WithAttributes(attribute.String("driver.id", driverID)))
	defer span.End()

	if in.Lat < -90 || in.Lat > 90 || in.Lng < -180 || in.Lng > 180 {
		return nil, errorbank.BadRequest("coordinates out of range")
	}

	now := s.clock.Now()
	update := &LocationUpdate{
		DriverID:   driverID,
		OrderID:    in.OrderID,
		Lat:        in.Lat,
		Lng:        in.Lng,
		Heading:    in.Heading,
		Speed:      in.Speed,
		RecordedAt: now,
	}

	var order *entity.Order
	if in.OrderID != "" {
		o, err := s.orders.Get(ctx, in.OrderID)
		if errors.Is(err, orderrepo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found", errorbank.WithDetail("order_id", in.OrderID))
		}
		if err != nil {
			return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}
		if !o.AssignedTo(driverID) {
			return nil, errorbank.Unauthorized("order is not assigned to this driver")
		}
		order = o
		update.CustomerID = o.CustomerID
	}

	loc := &entity.DriverLocation{
		DriverID:   driverID,
		Lat:        in.Lat,
		Lng:        in.Lng,
		Heading:    in.Heading,
		Speed:      in.Speed,
		RecordedAt: now,
	}
	if order != nil {
		id := order.ID
		loc.OrderID = &id
	}
	if err := s.presence.RecordLocation(ctx, loc); err != nil {
		if errors.Is(err, actorrepo.ErrNotFound) {
			return nil, errorbank.NotFound("driver profile not found", errorbank.WithDetail("driver_id", driverID))
		}
		return nil, errorbank.Internal("failed to record location", errorbank.WithCause(err))
	}

	if order != nil {
		s.estimate(update, order)
	}
	return update, nil
}

func (s *Service) estimate(update *LocationUpdate, order *entity.Order) {
	if order.DeliveryLat == nil || order.DeliveryLng == nil {
		update.EstimatedDeliveryAt = order.EstimatedDeliveryAt
		return
	}
	dist := haversineKm(update.Lat, update.Lng, *order.DeliveryLat, *order.DeliveryLng)
	eta := update.RecordedAt.Add(travelTime(dist, s.speedKmh))
	update.DistanceKm = &dist
	update.EstimatedDeliveryAt = &eta
}
