package seeder

import (
	"context"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/database"
	"github.com/Additional-Code/dispatch/internal/entity"
	ordersvc "github.com/Additional-Code/dispatch/internal/service/order"
)

// Fixed ids so tokens issued for seeded users stay valid across reseeds.
const (
	CustomerID = "00000000-0000-4000-8000-000000000001"
	DriverID   = "00000000-0000-4000-8000-000000000002"
	StaffID    = "00000000-0000-4000-8000-000000000003"
	AdminID    = "00000000-0000-4000-8000-000000000004"
)

// Module provides the seeder to Fx.
var Module = fx.Provide(New)

// OrderPlacer creates orders through the lifecycle service.
type OrderPlacer interface {
	Place(ctx context.Context, in ordersvc.PlaceInput) (*entity.Order, error)
	MarkPaid(ctx context.Context, orderID string) (*entity.Order, error)
}

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	orders OrderPlacer
	clock  clock.Clock
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, orders *ordersvc.Service, clk clock.Clock, logger *zap.Logger) *Seeder {
	return NewWith(conns, orders, clk, logger)
}

// NewWith constructs a Seeder with an explicit order placer.
func NewWith(conns *database.Connections, orders OrderPlacer, clk clock.Clock, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, orders: orders, clock: clk, logger: logger}
}

// Run seeds users then sample orders.
func (s *Seeder) Run(ctx context.Context) error {
	if err := s.Users(ctx); err != nil {
		return err
	}
	return s.Orders(ctx)
}

// Users seeds one account per role and the driver's profile if they are missing.
func (s *Seeder) Users(ctx context.Context) error {
	now := s.clock.Now()
	users := []entity.User{
		{ID: CustomerID, Email: "customer@example.com", FirstName: "Casey", LastName: "Customer", Phone: "555-0101", Role: entity.RoleCustomer, IsActive: true, CreatedAt: now},
		{ID: DriverID, Email: "driver@example.com", FirstName: "Dana", LastName: "Driver", Phone: "555-0102", Role: entity.RoleDriver, IsActive: true, CreatedAt: now},
		{ID: StaffID, Email: "kitchen@example.com", FirstName: "Sam", LastName: "Staff", Phone: "555-0103", Role: entity.RoleStaff, IsActive: true, CreatedAt: now},
		{ID: AdminID, Email: "admin@example.com", FirstName: "Alex", LastName: "Admin", Phone: "555-0104", Role: entity.RoleAdmin, IsActive: true, CreatedAt: now},
	}

	for _, sample := range users {
		user := sample
		if _, err := s.db.NewInsert().Model(&user).Ignore().Exec(ctx); err != nil {
			return err
		}
	}

	profile := entity.DriverProfile{UserID: DriverID, Vehicle: "bicycle", UpdatedAt: now}
	if _, err := s.db.NewInsert().Model(&profile).Ignore().Exec(ctx); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Info("seeded users", zap.Int("count", len(users)))
	}
	return nil
}

// Orders places sample orders for the seeded customer when they have none.
func (s *Seeder) Orders(ctx context.Context) error {
	existing, err := s.db.NewSelect().Model((*entity.Order)(nil)).Where("customer_id = ?", CustomerID).Count(ctx)
	if err != nil {
		return err
	}
	if existing > 0 {
		if s.logger != nil {
			s.logger.Info("sample orders already present", zap.Int("count", existing))
		}
		return nil
	}

	lat, lng := 40.7410, -73.9897
	samples := []struct {
		in   ordersvc.PlaceInput
		paid bool
	}{
		{
			in: ordersvc.PlaceInput{
				CustomerID:  CustomerID,
				OrderType:   entity.OrderTypeDelivery,
				TipCents:    300,
				DeliveryLat: &lat,
				DeliveryLng: &lng,
				Items: []ordersvc.LineItem{
					{Name: "Margherita Pizza", Quantity: 1, UnitPriceCents: 1450},
					{Name: "Garlic Knots", Quantity: 2, UnitPriceCents: 450, Notes: "extra butter"},
				},
				SpecialInstructions: "Leave at the front desk",
			},
			paid: true,
		},
		{
			in: ordersvc.PlaceInput{
				CustomerID: CustomerID,
				OrderType:  entity.OrderTypePickup,
				Items: []ordersvc.LineItem{
					{Name: "Caesar Salad", Quantity: 1, UnitPriceCents: 950},
				},
			},
		},
	}

	for _, sample := range samples {
		order, err := s.orders.Place(ctx, sample.in)
		if err != nil {
			return err
		}
		if !sample.paid {
			continue
		}
		if _, err := s.orders.MarkPaid(ctx, order.ID); err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded orders", zap.Int("count", len(samples)))
	}
	return nil
}
