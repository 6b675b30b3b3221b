package printagent

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/printqueue"
)

const defaultOutboxLimit = 512

// Outbox holds confirmations until a connection can deliver them.
type Outbox struct {
	mu      sync.Mutex
	pending []printqueue.Confirmation
	limit   int
	ready   chan struct{}
	logger  *zap.Logger
}

// NewOutbox returns an empty outbox.
func NewOutbox(logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		limit:  defaultOutboxLimit,
		ready:  make(chan struct{}, 1),
		logger: logger.Named("outbox"),
	}
}

// Confirm queues c and wakes the writer. The oldest entry is dropped when full.
func (o *Outbox) Confirm(c printqueue.Confirmation) {
	o.mu.Lock()
	if len(o.pending) >= o.limit {
		dropped := o.pending[0]
		o.pending = o.pending[1:]
		o.logger.Warn("outbox full, dropping confirmation",
			zap.String("order_id", dropped.OrderID),
			zap.String("print_type", string(dropped.PrintType)),
		)
	}
	o.pending = append(o.pending, c)
	o.mu.Unlock()
	o.signal()
}

// Take removes and returns everything queued.
func (o *Outbox) Take() []printqueue.Confirmation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.pending
	o.pending = nil
	return out
}

// Requeue puts unsent confirmations back ahead of newer ones.
func (o *Outbox) Requeue(items []printqueue.Confirmation) {
	if len(items) == 0 {
		return
	}
	o.mu.Lock()
	o.pending = append(append([]printqueue.Confirmation(nil), items...), o.pending...)
	if over := len(o.pending) - o.limit; over > 0 {
		o.pending = o.pending[over:]
	}
	o.mu.Unlock()
	o.signal()
}

// Len reports how many confirmations are waiting.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Ready fires when confirmations are waiting.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
