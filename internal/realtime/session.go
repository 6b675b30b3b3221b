package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Additional-Code/dispatch/internal/entity"
)

// Room is a named group of sessions that receive the same events.
type Room string

const (
	RoomKitchen  Room = "kitchen"
	RoomDrivers  Room = "drivers"
	RoomPrinters Room = "printers"
)

// CustomerRoom is the private room of one customer.
func CustomerRoom(customerID string) Room { return Room("customer:" + customerID) }

// DriverRoom is the private room of one driver.
func DriverRoom(driverID string) Room { return Room("driver:" + driverID) }

// OrderRoom is the tracking room of one order.
func OrderRoom(orderID string) Room { return Room("order:" + orderID) }

// Session is one authenticated real-time connection. Frames queued with
// Send are written by the transport that owns the connection.
type Session struct {
	ID          string
	ActorID     string
	Role        entity.Role
	ConnectedAt time.Time

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewSession allocates a session with an outbound buffer of size buffer.
func NewSession(actorID string, role entity.Role, connectedAt time.Time, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Role:        role,
		ConnectedAt: connectedAt,
		send:        make(chan []byte, buffer),
	}
}

// Send queues frame without blocking. It reports false when the session is
// closed or its buffer is full.
func (s *Session) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound is drained by the connection writer; it is closed by Close.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Close stops accepting frames. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
