package order

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/cache"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/event"
	"github.com/Additional-Code/dispatch/internal/messaging"
	"github.com/Additional-Code/dispatch/internal/worker"
)

var workerTracer = otel.Tracer("github.com/Additional-Code/dispatch/worker/order")

// Module registers order-related worker handlers.
var Module = fx.Module("worker_order",
	fx.Provide(
		fx.Annotate(
			NewOrderEventsHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// EventsHandler consumes mirrored lifecycle events. Other API instances may
// hold a cached snapshot of the order, so each event evicts it.
type EventsHandler struct {
	cache  cache.Store
	logger *zap.Logger
}

// NewOrderEventsHandler registers the handler on the configured topic.
func NewOrderEventsHandler(store cache.Store, logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	h := &EventsHandler{cache: store, logger: logger}
	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: h.Handle,
	}
}

// Handle processes one message.
func (h *EventsHandler) Handle(ctx context.Context, msg messaging.Message) error {
	ctx, span := workerTracer.Start(ctx, "worker.orders.process", trace.WithAttributes(
		attribute.String("messaging.topic", msg.Topic),
	))
	defer span.End()

	var ev event.OrderEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.logger.Error("failed to decode order event", zap.Error(err))

		span.RecordError(err)
		span.SetStatus(codes.Error, "decode error")
		return err
	}
	span.SetAttributes(
		attribute.String("order.id", ev.OrderID),
		attribute.String("order.event", string(ev.Kind)),
	)

	if ev.OrderID != "" && h.cache != nil {
		if err := h.cache.Delete(ctx, cache.OrderKey(ev.OrderID)); err != nil {
			h.logger.Warn("order cache eviction failed", zap.String("order_id", ev.OrderID), zap.Error(err))
		}
	}

	h.logger.Info("order event processed",
		zap.String("kind", string(ev.Kind)),
		zap.String("order_id", ev.OrderID),
		zap.String("previous_status", string(ev.Previous)),
		zap.String("status", string(ev.Status)),
		zap.String("actor_id", ev.ActorID),
		zap.String("actor_role", string(ev.ActorRole)),
		zap.Time("occurred_at", ev.OccurredAt),
	)

	return nil
}
