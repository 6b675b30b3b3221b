package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/cache"
	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/event"
	repo "github.com/Additional-Code/dispatch/internal/repository/order"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var (
	serviceTracer = otel.Tracer("github.com/Additional-Code/dispatch/service/order")
	serviceMeter  = otel.Meter("github.com/Additional-Code/dispatch/service/order")
)

// Actor is whoever requests a lifecycle change.
type Actor struct {
	ID   string
	Role entity.Role
}

// SystemActor is used for changes made by the process itself.
var SystemActor = Actor{ID: "system", Role: entity.RoleSystem}

// Service owns the order lifecycle: transitions, customer cancellation,
// driver claims and placement.
type Service struct {
	repo     *repo.Repository
	cache    cache.Store
	cacheTTL time.Duration
	events   event.Publisher
	clock    clock.Clock
	rules    config.Orders
	logger   *zap.Logger

	transitions metric.Int64Counter
	rejections  metric.Int64Counter
	claims      metric.Int64Counter
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Repository *repo.Repository
	Cache      cache.Store
	Config     config.Config
	Logger     *zap.Logger
	Events     event.Publisher
	Clock      clock.Clock
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		repo:     p.Repository,
		cache:    p.Cache,
		cacheTTL: p.Config.Cache.DefaultTTL,
		events:   p.Events,
		clock:    p.Clock,
		rules:    p.Config.Orders,
		logger:   logger.Named("order_service"),
	}
	if svc.clock == nil {
		svc.clock = clock.New()
	}
	svc.transitions, _ = serviceMeter.Int64Counter("dispatch.order.transitions",
		metric.WithDescription("Applied order status transitions"))
	svc.rejections, _ = serviceMeter.Int64Counter("dispatch.order.transition_rejections",
		metric.WithDescription("Rejected order status transitions"))
	svc.claims, _ = serviceMeter.Int64Counter("dispatch.order.claims",
		metric.WithDescription("Driver claim attempts by outcome"))
	return svc
}

// ApplyStatus moves an order to status on behalf of actor. Going out for
// delivery is only possible through ClaimOrder.
func (s *Service) ApplyStatus(ctx context.Context, orderID string, status entity.Status, actor Actor, note string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.ApplyStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.requested", string(status)),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	if !status.Valid() {
		return nil, errorbank.BadRequest("unknown order status", errorbank.WithDetail("status", status))
	}
	if status == entity.StatusOutForDelivery {
		return nil, errorbank.InvalidTransition("orders go out for delivery only through a driver claim",
			errorbank.WithDetail("to", status))
	}

	current, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeStatus(actor, current, status); err != nil {
		return nil, err
	}
	return s.transition(ctx, current, status, actor, note)
}

// CancelByCustomer cancels an order for its customer. The cancellation window
// is checked before the lifecycle table.
func (s *Service) CancelByCustomer(ctx context.Context, orderID, customerID, reason string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.CancelByCustomer", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	current, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.CustomerID != customerID {
		return nil, errorbank.NotFound("order not found")
	}

	elapsed := s.clock.Now().Sub(current.CreatedAt)
	if elapsed > s.rules.CancelWindow {
		s.reject(ctx, current.Status, entity.StatusCancelled)
		return nil, errorbank.InvalidTransition("cancellation window has closed",
			errorbank.WithDetail("window", s.rules.CancelWindow.String()),
			errorbank.WithDetail("elapsed", elapsed.Truncate(time.Second).String()),
		)
	}
	if !customerCancellable[current.Status] {
		s.reject(ctx, current.Status, entity.StatusCancelled)
		return nil, errorbank.InvalidTransition("order can no longer be cancelled",
			errorbank.WithDetail("from", current.Status))
	}

	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by customer"
	}
	return s.transition(ctx, current, entity.StatusCancelled, Actor{ID: customerID, Role: entity.RoleCustomer}, reason)
}

// ClaimOrder assigns a ready order to a driver. The busy pre-check is a fast
// path; exclusivity comes from the conditional update in the repository.
func (s *Service) ClaimOrder(ctx context.Context, orderID, driverID string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.ClaimOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("driver.id", driverID),
	))
	defer span.End()

	busy, err := s.repo.HasActiveForDriver(ctx, driverID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to check driver assignments", errorbank.WithCause(err))
	}
	if busy {
		s.countClaim(ctx, "driver_busy")
		return nil, errorbank.DriverBusy("driver already has an active order", errorbank.WithDetail("driver_id", driverID))
	}

	now := s.clock.Now()
	eta := now.Add(s.rules.DeliveryBuffer)
	applied, err := s.repo.Claim(ctx, repo.Claim{
		OrderID:             orderID,
		DriverID:            driverID,
		At:                  now,
		EstimatedDeliveryAt: &eta,
	})
	if errors.Is(err, repo.ErrDriverBusy) {
		s.countClaim(ctx, "driver_busy")
		return nil, errorbank.DriverBusy("driver already has an active order", errorbank.WithDetail("driver_id", driverID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to claim order", errorbank.WithCause(err))
	}
	if !applied {
		s.countClaim(ctx, "unavailable")
		return nil, errorbank.OrderUnavailable("order is not available for pickup", errorbank.WithDetail("order_id", orderID))
	}
	s.countClaim(ctx, "claimed")

	updated, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, orderID)
	s.publish(event.OrderEvent{
		Kind:       event.KindOrderClaimed,
		OrderID:    orderID,
		Previous:   entity.StatusReady,
		Status:     updated.Status,
		ActorID:    driverID,
		ActorRole:  entity.RoleDriver,
		Order:      dto.FromOrder(updated),
		OccurredAt: now,
	})
	s.logger.Info("order claimed", zap.String("order_id", orderID), zap.String("driver_id", driverID))
	return updated, nil
}

// MarkPaid records a payment confirmed by the payment collaborator and
// announces the order again so printers can add the customer receipt. A repeat
// confirmation for an already paid order returns it unchanged.
func (s *Service) MarkPaid(ctx context.Context, orderID string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.MarkPaid", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	now := s.clock.Now()
	applied, err := s.repo.MarkPaid(ctx, orderID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to record payment", errorbank.WithCause(err))
	}

	current, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !applied {
		if current.PaymentStatus == entity.PaymentPaid {
			return current, nil
		}
		return nil, errorbank.Conflict("order can no longer be paid",
			errorbank.WithDetail("status", current.Status),
			errorbank.WithDetail("payment_status", current.PaymentStatus),
		)
	}

	s.invalidate(ctx, orderID)
	s.publish(event.OrderEvent{
		Kind:       event.KindOrderCreated,
		OrderID:    orderID,
		Status:     current.Status,
		ActorID:    SystemActor.ID,
		ActorRole:  SystemActor.Role,
		Order:      dto.FromOrder(current),
		OccurredAt: now,
	})
	s.logger.Info("order paid", zap.String("order_id", orderID))
	return current, nil
}

// Get retrieves an order by id, consulting cache when available. A loaded
// snapshot is cached only if no write landed on the order since it was read.
func (s *Service) Get(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	var cached entity.Order
	err := cache.GetJSON(ctx, s.cache, cache.OrderKey(id), &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("orders cache read failed", zap.String("order_id", id), zap.Error(err))
	}

	order, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, order)
	return order, nil
}

// GetForActor returns an order visible to actor: its customer, its driver or
// kitchen staff. A cached snapshot that denies access is rechecked against the
// store, since a claim may have assigned the actor after it was cached.
func (s *Service) GetForActor(ctx context.Context, id string, actor Actor) (*entity.Order, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if canView(actor, order) {
		return order, nil
	}
	fresh, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, fresh) {
		return nil, errorbank.Unauthorized("order belongs to another actor")
	}
	s.invalidate(ctx, id)
	return fresh, nil
}

// History returns the status history of an order visible to actor.
func (s *Service) History(ctx context.Context, id string, actor Actor) ([]*entity.OrderStatusHistory, error) {
	if _, err := s.GetForActor(ctx, id, actor); err != nil {
		return nil, err
	}
	rows, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, errorbank.Internal("failed to load order history", errorbank.WithCause(err))
	}
	return rows, nil
}

// ActiveForKitchen lists placed, accepted, preparing and ready orders, oldest first.
func (s *Service) ActiveForKitchen(ctx context.Context) ([]*entity.Order, error) {
	orders, err := s.repo.ActiveForKitchen(ctx)
	if err != nil {
		return nil, errorbank.Internal("failed to load active orders", errorbank.WithCause(err))
	}
	return orders, nil
}

// AvailableForDrivers lists ready delivery orders with no driver.
func (s *Service) AvailableForDrivers(ctx context.Context) ([]*entity.Order, error) {
	orders, err := s.repo.AvailableForDrivers(ctx)
	if err != nil {
		return nil, errorbank.Internal("failed to load available orders", errorbank.WithCause(err))
	}
	return orders, nil
}

// CurrentForDriver returns the driver's active delivery.
func (s *Service) CurrentForDriver(ctx context.Context, driverID string) (*entity.Order, error) {
	order, err := s.repo.CurrentForDriver(ctx, driverID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, errorbank.NotFound("driver has no active order")
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load driver order", errorbank.WithCause(err))
	}
	return order, nil
}

func (s *Service) transition(ctx context.Context, current *entity.Order, next entity.Status, actor Actor, note string) (*entity.Order, error) {
	from := current.Status
	if !CanTransition(from, next) {
		s.reject(ctx, from, next)
		return nil, errorbank.InvalidTransition(fmt.Sprintf("cannot move order from %s to %s", from, next),
			errorbank.WithDetail("from", from),
			errorbank.WithDetail("to", next),
		)
	}

	now := s.clock.Now()
	applied, err := s.repo.ConditionalUpdateStatus(ctx, current.ID, repo.StatusUpdate{
		Expected:  from,
		Next:      next,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Note:      note,
		At:        now,
	})
	if err != nil {
		return nil, errorbank.Internal("failed to update order status", errorbank.WithCause(err))
	}
	if !applied {
		s.reject(ctx, from, next)
		return nil, errorbank.InvalidTransition("order status changed concurrently",
			errorbank.WithDetail("expected", from),
			errorbank.WithDetail("to", next),
		)
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(next))))

	updated, err := s.load(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, current.ID)
	s.publish(event.OrderEvent{
		Kind:       event.KindOrderStatusChanged,
		OrderID:    current.ID,
		Previous:   from,
		Status:     next,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Note:       note,
		Order:      dto.FromOrder(updated),
		OccurredAt: now,
	})
	s.logger.Info("order status changed",
		zap.String("order_id", current.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("actor_id", actor.ID),
	)
	return updated, nil
}

func (s *Service) load(ctx context.Context, id string) (*entity.Order, error) {
	order, err := s.repo.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, errorbank.NotFound("order not found", errorbank.WithDetail("order_id", id))
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}
	return order, nil
}

func (s *Service) fill(ctx context.Context, order *entity.Order) {
	latest, err := s.repo.UpdatedAt(ctx, order.ID)
	if err != nil || !latest.Equal(order.UpdatedAt) {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, cache.OrderKey(order.ID), order, s.cacheTTL); err != nil {
		s.logger.Warn("orders cache write failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.OrderKey(id)); err != nil {
		s.logger.Warn("orders cache invalidate failed", zap.String("order_id", id), zap.Error(err))
	}
}

func (s *Service) publish(ev event.OrderEvent) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}

func (s *Service) reject(ctx context.Context, from, to entity.Status) {
	s.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (s *Service) countClaim(ctx context.Context, outcome string) {
	s.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func authorizeStatus(actor Actor, order *entity.Order, status entity.Status) error {
	switch actor.Role {
	case entity.RoleSystem, entity.RoleAdmin:
		return nil
	case entity.RoleStaff:
		if kitchenSettable[status] {
			return nil
		}
	case entity.RoleDriver:
		if order.AssignedTo(actor.ID) && driverSettable[status] {
			return nil
		}
	}
	return errorbank.Unauthorized("actor may not set this status",
		errorbank.WithDetail("role", actor.Role),
		errorbank.WithDetail("status", status),
	)
}

func canView(actor Actor, order *entity.Order) bool {
	switch actor.Role {
	case entity.RoleSystem, entity.RoleAdmin, entity.RoleStaff:
		return true
	case entity.RoleCustomer:
		return order.CustomerID == actor.ID
	case entity.RoleDriver:
		return order.AssignedTo(actor.ID)
	}
	return false
}

func newID() string {
	return uuid.NewString()
}
