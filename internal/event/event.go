package event

import (
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
)

// Kind names a domain event produced by the order lifecycle.
type Kind string

const (
	KindOrderCreated       Kind = "order.created"
	KindOrderStatusChanged Kind = "order.status_changed"
	KindOrderClaimed       Kind = "order.claimed"
)

// OrderEvent is the value returned by a successful lifecycle mutation. It
// carries a snapshot of the order as it was right after the change.
type OrderEvent struct {
	Kind       Kind              `json:"kind"`
	OrderID    string            `json:"order_id"`
	Previous   entity.Status     `json:"previous_status,omitempty"`
	Status     entity.Status     `json:"status"`
	ActorID    string            `json:"actor_id"`
	ActorRole  entity.Role       `json:"actor_role"`
	Note       string            `json:"note,omitempty"`
	Order      dto.OrderResponse `json:"order"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher accepts events for asynchronous dispatch.
type Publisher interface {
	Publish(OrderEvent)
}

// Module provides the in-process bus as both *Bus and Publisher.
var Module = fx.Provide(
	NewBus,
	func(b *Bus) Publisher { return b },
)

// Bus is a bounded in-process queue between lifecycle mutations and fan-out.
// Publish never blocks; when the buffer is full the event is dropped and logged.
type Bus struct {
	mu     sync.RWMutex
	ch     chan OrderEvent
	closed bool
	logger *zap.Logger
}

// NewBus builds a bus sized from the realtime configuration.
func NewBus(cfg config.Config, logger *zap.Logger) *Bus {
	size := cfg.Realtime.EventBuffer
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{ch: make(chan OrderEvent, size), logger: logger.Named("event_bus")}
}

// Publish enqueues ev without blocking the caller.
func (b *Bus) Publish(ev OrderEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
		b.logger.Warn("event bus full; dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.String("order_id", ev.OrderID),
		)
	}
}

// Events exposes the receive side of the bus.
func (b *Bus) Events() <-chan OrderEvent {
	return b.ch
}

// Close stops accepting events and closes the channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
