package order

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/event"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

// LineItem is a priced item snapshot supplied at checkout.
type LineItem struct {
	Name           string
	Quantity       int
	UnitPriceCents int64
	Notes          string
}

// PlaceInput is everything needed to create an order.
type PlaceInput struct {
	CustomerID          string
	OrderType           entity.OrderType
	Items               []LineItem
	TipCents            int64
	SpecialInstructions string
	DeliveryAddressID   string
	DeliveryLat         *float64
	DeliveryLng         *float64
	PrepMinutes         int
}

// Breakdown is the monetary split of an order in minor units.
type Breakdown struct {
	Subtotal    int64
	Tax         int64
	DeliveryFee int64
	Tip         int64
	Total       int64
}

// Totals prices items under the configured tax rate and delivery fee. Tax is
// rounded half up to the nearest minor unit.
func Totals(items []LineItem, orderType entity.OrderType, tip int64, rules config.Orders) Breakdown {
	var b Breakdown
	for _, item := range items {
		b.Subtotal += int64(item.Quantity) * item.UnitPriceCents
	}
	b.Tax = (b.Subtotal*rules.TaxRateBPS + 5000) / 10000
	if orderType == entity.OrderTypeDelivery {
		b.DeliveryFee = rules.DeliveryFeeCents
	}
	b.Tip = tip
	b.Total = b.Subtotal + b.Tax + b.DeliveryFee + b.Tip
	return b
}

// Place creates a new order in status placed. Payment always starts pending;
// only MarkPaid moves it to paid.
func (s *Service) Place(ctx context.Context, in PlaceInput) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Place", trace.WithAttributes(attribute.String("customer.id", in.CustomerID)))
	defer span.End()

	if err := validatePlace(in); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	prep := in.PrepMinutes
	if prep <= 0 {
		prep = s.rules.DefaultPrepMinutes
	}
	readyAt := now.Add(time.Duration(prep) * time.Minute)

	totals := Totals(in.Items, in.OrderType, in.TipCents, s.rules)
	order := &entity.Order{
		ID:                  newID(),
		CustomerID:          in.CustomerID,
		Status:              entity.StatusPlaced,
		OrderType:           in.OrderType,
		PaymentStatus:       entity.PaymentPending,
		SubtotalCents:       totals.Subtotal,
		TaxCents:            totals.Tax,
		DeliveryFeeCents:    totals.DeliveryFee,
		TipCents:            totals.Tip,
		TotalCents:          totals.Total,
		SpecialInstructions: strings.TrimSpace(in.SpecialInstructions),
		DeliveryLat:         in.DeliveryLat,
		DeliveryLng:         in.DeliveryLng,
		EstimatedReadyAt:    &readyAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.OrderType == entity.OrderTypeDelivery {
		deliveryAt := readyAt.Add(s.rules.DeliveryBuffer)
		order.EstimatedDeliveryAt = &deliveryAt
	}
	if in.DeliveryAddressID != "" {
		addr := in.DeliveryAddressID
		order.DeliveryAddressID = &addr
	}
	for i, item := range in.Items {
		order.Items = append(order.Items, &entity.OrderItem{
			ID:             newID(),
			OrderID:        order.ID,
			Position:       i,
			Name:           strings.TrimSpace(item.Name),
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			Notes:          strings.TrimSpace(item.Notes),
		})
	}

	first := &entity.OrderStatusHistory{
		OrderID:   order.ID,
		Status:    entity.StatusPlaced,
		ActorID:   in.CustomerID,
		ActorRole: entity.RoleCustomer,
		Note:      "order placed",
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, order, first); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to create order", errorbank.WithCause(err))
	}

	created, err := s.load(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	s.publish(event.OrderEvent{
		Kind:       event.KindOrderCreated,
		OrderID:    created.ID,
		Status:     created.Status,
		ActorID:    in.CustomerID,
		ActorRole:  entity.RoleCustomer,
		Order:      dto.FromOrder(created),
		OccurredAt: now,
	})
	s.logger.Info("order placed", zap.String("order_id", created.ID), zap.Int64("total_cents", created.TotalCents))
	return created, nil
}

func validatePlace(in PlaceInput) error {
	if strings.TrimSpace(in.CustomerID) == "" {
		return errorbank.BadRequest("customer is required")
	}
	if !in.OrderType.Valid() {
		return errorbank.BadRequest("order type must be delivery or pickup", errorbank.WithDetail("order_type", in.OrderType))
	}
	if len(in.Items) == 0 {
		return errorbank.BadRequest("order must contain at least one item")
	}
	for i, item := range in.Items {
		if strings.TrimSpace(item.Name) == "" || item.Quantity <= 0 || item.UnitPriceCents < 0 {
			return errorbank.BadRequest("invalid line item", errorbank.WithDetail("index", i))
		}
	}
	if in.TipCents < 0 {
		return errorbank.BadRequest("tip must not be negative")
	}
	if (in.DeliveryLat == nil) != (in.DeliveryLng == nil) {
		return errorbank.BadRequest("delivery coordinates must include both lat and lng")
	}
	return nil
}
