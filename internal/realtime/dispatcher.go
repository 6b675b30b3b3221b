package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/event"
	"github.com/Additional-Code/dispatch/internal/messaging"
)

var dispatchTracer = otel.Tracer("github.com/Additional-Code/dispatch/realtime")

const publishTimeout = 5 * time.Second

// Dispatcher drains lifecycle events, fans them out to rooms and mirrors
// them onto the message broker.
type Dispatcher struct {
	events <-chan event.OrderEvent
	router *Router
	broker messaging.Client
	logger *zap.Logger

	wg sync.WaitGroup
}

// NewDispatcher builds a dispatcher reading from events. broker may be nil.
func NewDispatcher(events <-chan event.OrderEvent, router *Router, broker messaging.Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		events: events,
		router: router,
		broker: broker,
		logger: logger.Named("dispatcher"),
	}
}

// Start consumes events until the source channel is closed.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.events {
			d.Dispatch(context.Background(), ev)
		}
	}()
}

// Wait blocks until the source channel is drained or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch applies the fan-out policy for one event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.OrderEvent) {
	ctx, span := dispatchTracer.Start(ctx, "Dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("order.id", ev.OrderID),
	))
	defer span.End()

	switch ev.Kind {
	case event.KindOrderCreated:
		d.created(ev)
	case event.KindOrderStatusChanged:
		d.statusChanged(ev)
	case event.KindOrderClaimed:
		d.claimed(ev)
	default:
		d.logger.Warn("unknown event kind", zap.String("kind", string(ev.Kind)), zap.String("order_id", ev.OrderID))
		return
	}
	d.publish(ctx, ev)
}

func (d *Dispatcher) created(ev event.OrderEvent) {
	d.router.Broadcast(RoomKitchen, Outbound{Type: EventNewOrder, Data: ev.Order})
	d.router.Broadcast(RoomPrinters, Outbound{Type: EventNewOrder, Data: ev.Order})
	d.router.Broadcast(CustomerRoom(ev.Order.CustomerID), Outbound{Type: EventOrderStatusUpdate, Data: statusUpdate(ev)})
}

func (d *Dispatcher) statusChanged(ev event.OrderEvent) {
	d.router.Broadcast(OrderRoom(ev.OrderID), Outbound{Type: EventOrderStatusUpdate, Data: statusUpdate(ev)})
	d.router.Broadcast(RoomKitchen, Outbound{Type: EventOrderUpdate, Data: ev.Order})

	switch ev.Status {
	case entity.StatusReady:
		if ev.Order.OrderType == entity.OrderTypeDelivery && ev.Order.DriverID == "" {
			d.router.Broadcast(RoomDrivers, Outbound{Type: EventOrderAvailable, Data: ev.Order})
		}
		d.router.Broadcast(RoomPrinters, Outbound{Type: EventOrderUpdate, Data: ev.Order})
	case entity.StatusCancelled:
		d.router.Broadcast(RoomKitchen, Outbound{Type: EventOrderCancelled, Data: OrderRef{OrderID: ev.OrderID}})
		if ev.Previous == entity.StatusReady {
			d.router.Broadcast(RoomDrivers, Outbound{Type: EventOrderCancelled, Data: OrderRef{OrderID: ev.OrderID}})
		}
	}
}

func (d *Dispatcher) claimed(ev event.OrderEvent) {
	driverID := ev.Order.DriverID
	if driverID != "" {
		d.router.JoinActor(driverID, entity.RoleDriver, OrderRoom(ev.OrderID))
	}
	d.router.Broadcast(OrderRoom(ev.OrderID), Outbound{Type: EventOrderStatusUpdate, Data: statusUpdate(ev)})
	d.router.Broadcast(RoomKitchen, Outbound{Type: EventOrderUpdate, Data: ev.Order})
	d.router.Broadcast(RoomDrivers, Outbound{Type: EventOrderClaimed, Data: OrderRef{OrderID: ev.OrderID, DriverID: driverID}})
}

func (d *Dispatcher) publish(ctx context.Context, ev event.OrderEvent) {
	if d.broker == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("encode event for broker", zap.String("order_id", ev.OrderID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := d.broker.Publish(ctx, []byte(ev.OrderID), payload,
		messaging.Header{Key: messaging.HeaderEventKind, Value: string(ev.Kind)}); err != nil {
		d.logger.Warn("publish event to broker failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)
	}
}

func statusUpdate(ev event.OrderEvent) StatusUpdate {
	return StatusUpdate{
		OrderID:   ev.OrderID,
		Status:    ev.Status,
		Previous:  ev.Previous,
		DriverID:  ev.Order.DriverID,
		Note:      ev.Note,
		Timestamp: ev.OccurredAt,
	}
}
