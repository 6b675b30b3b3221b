package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/event"
	"github.com/Additional-Code/dispatch/internal/messaging"
)

type fakeBroker struct {
	mu    sync.Mutex
	keys  []string
	kinds []string
}

func (b *fakeBroker) Publish(_ context.Context, key, _ []byte, headers ...messaging.Header) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, string(key))
	for _, h := range headers {
		if h.Key == messaging.HeaderEventKind {
			b.kinds = append(b.kinds, h.Value)
		}
	}
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) Topic() string { return "orders" }

type pool struct {
	customer, stranger, driver, otherDriver, kitchen, printer *Session
}

func newPool(t *testing.T, r *Router) pool {
	t.Helper()
	p := pool{
		customer:    connect(r, "c1", entity.RoleCustomer),
		stranger:    connect(r, "c2", entity.RoleCustomer),
		driver:      connect(r, "d1", entity.RoleDriver),
		otherDriver: connect(r, "d2", entity.RoleDriver),
		kitchen:     connect(r, "s1", entity.RoleStaff),
		printer:     connect(r, "agent", entity.RolePrinter),
	}
	require.NoError(t, r.JoinOrder(context.Background(), p.customer, "o1"))
	return p
}

func orderEvent(kind event.Kind, prev, next entity.Status, driverID string) event.OrderEvent {
	return event.OrderEvent{
		Kind:     kind,
		OrderID:  "o1",
		Previous: prev,
		Status:   next,
		Order: dto.OrderResponse{
			ID:         "o1",
			CustomerID: "c1",
			DriverID:   driverID,
			Status:     next,
			OrderType:  entity.OrderTypeDelivery,
		},
		OccurredAt: connectedAt,
	}
}

func TestDispatchCreated(t *testing.T) {
	r := NewRouter(participants{"o1": {"c1"}}, nil)
	p := newPool(t, r)
	broker := &fakeBroker{}
	d := NewDispatcher(nil, r, broker, nil)

	d.Dispatch(context.Background(), orderEvent(event.KindOrderCreated, "", entity.StatusPlaced, ""))

	assert.Equal(t, []string{EventNewOrder}, drain(t, p.kitchen))
	assert.Equal(t, []string{EventNewOrder}, drain(t, p.printer))
	assert.Equal(t, []string{EventOrderStatusUpdate}, drain(t, p.customer))
	assert.Empty(t, drain(t, p.stranger))
	assert.Empty(t, drain(t, p.driver))
	assert.Equal(t, []string{"o1"}, broker.keys)
	assert.Equal(t, []string{string(event.KindOrderCreated)}, broker.kinds)
}

func TestDispatchReadyNotifiesDriversAndPrinters(t *testing.T) {
	r := NewRouter(participants{"o1": {"c1"}}, nil)
	p := newPool(t, r)
	d := NewDispatcher(nil, r, nil, nil)

	d.Dispatch(context.Background(), orderEvent(event.KindOrderStatusChanged, entity.StatusPreparing, entity.StatusReady, ""))

	assert.Equal(t, []string{EventOrderStatusUpdate}, drain(t, p.customer))
	assert.Equal(t, []string{EventOrderUpdate}, drain(t, p.kitchen))
	assert.Equal(t, []string{EventOrderAvailable}, drain(t, p.driver))
	assert.Equal(t, []string{EventOrderAvailable}, drain(t, p.otherDriver))
	assert.Equal(t, []string{EventOrderUpdate}, drain(t, p.printer))
	assert.Empty(t, drain(t, p.stranger))
}

func TestDispatchCancelled(t *testing.T) {
	r := NewRouter(participants{"o1": {"c1"}}, nil)
	p := newPool(t, r)
	d := NewDispatcher(nil, r, nil, nil)

	d.Dispatch(context.Background(), orderEvent(event.KindOrderStatusChanged, entity.StatusAccepted, entity.StatusCancelled, ""))

	assert.Equal(t, []string{EventOrderStatusUpdate}, drain(t, p.customer))
	assert.Equal(t, []string{EventOrderUpdate, EventOrderCancelled}, drain(t, p.kitchen))
	assert.Empty(t, drain(t, p.driver))
	assert.Empty(t, drain(t, p.printer))
}

func TestDispatchClaimedJoinsDriverToOrderRoom(t *testing.T) {
	r := NewRouter(participants{"o1": {"c1"}}, nil)
	p := newPool(t, r)
	d := NewDispatcher(nil, r, nil, nil)

	d.Dispatch(context.Background(), orderEvent(event.KindOrderClaimed, entity.StatusReady, entity.StatusOutForDelivery, "d1"))

	assert.Contains(t, r.RoomsOf(p.driver.ID), OrderRoom("o1"))
	assert.NotContains(t, r.RoomsOf(p.otherDriver.ID), OrderRoom("o1"))
	assert.Equal(t, []string{EventOrderStatusUpdate}, drain(t, p.customer))
	assert.Equal(t, []string{EventOrderStatusUpdate, EventOrderClaimed}, drain(t, p.driver))
	assert.Equal(t, []string{EventOrderClaimed}, drain(t, p.otherDriver))
	assert.Equal(t, []string{EventOrderUpdate}, drain(t, p.kitchen))

	r.Broadcast(OrderRoom("o1"), Outbound{Type: EventDriverLocationUpdate})
	assert.Equal(t, []string{EventDriverLocationUpdate}, drain(t, p.customer))
	assert.Empty(t, drain(t, p.otherDriver))
}

func TestDispatcherDrainsBus(t *testing.T) {
	r := NewRouter(participants{}, nil)
	kitchen := connect(r, "s1", entity.RoleStaff)
	events := make(chan event.OrderEvent, 4)
	d := NewDispatcher(events, r, nil, nil)
	d.Start()

	events <- orderEvent(event.KindOrderCreated, "", entity.StatusPlaced, "")
	events <- orderEvent(event.KindOrderStatusChanged, entity.StatusPlaced, entity.StatusAccepted, "")
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, []string{EventNewOrder, EventOrderUpdate}, drain(t, kitchen))
}

func TestStatusUpdatePayload(t *testing.T) {
	ev := orderEvent(event.KindOrderStatusChanged, entity.StatusPlaced, entity.StatusAccepted, "")
	ev.Note = "confirmed"
	frame, err := Encode(Outbound{Type: EventOrderStatusUpdate, Data: statusUpdate(ev)})
	require.NoError(t, err)

	var decoded struct {
		Type string       `json:"type"`
		Data StatusUpdate `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, EventOrderStatusUpdate, decoded.Type)
	assert.Equal(t, entity.StatusAccepted, decoded.Data.Status)
	assert.Equal(t, entity.StatusPlaced, decoded.Data.Previous)
	assert.Equal(t, "confirmed", decoded.Data.Note)
}
