package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var routerMeter = otel.Meter("github.com/Additional-Code/dispatch/realtime")

// ParticipantChecker decides whether an actor may track an order.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, orderID, actorID string) (bool, error)
}

// Router maps rooms to the sessions currently subscribed to them.
type Router struct {
	mu       sync.RWMutex
	rooms    map[Room]map[string]*Session
	members  map[string]map[Room]struct{}
	sessions map[string]*Session
	orders   ParticipantChecker
	logger   *zap.Logger

	broadcasts metric.Int64Counter
	dropped    metric.Int64Counter
	active     metric.Int64UpDownCounter
}

// NewRouter builds an empty router.
func NewRouter(orders ParticipantChecker, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		rooms:    make(map[Room]map[string]*Session),
		members:  make(map[string]map[Room]struct{}),
		sessions: make(map[string]*Session),
		orders:   orders,
		logger:   logger.Named("router"),
	}
	r.broadcasts, _ = routerMeter.Int64Counter("dispatch.realtime.broadcasts",
		metric.WithDescription("Room broadcasts by room kind and event type"))
	r.dropped, _ = routerMeter.Int64Counter("dispatch.realtime.dropped_frames",
		metric.WithDescription("Outbound frames dropped because a session buffer was full"))
	r.active, _ = routerMeter.Int64UpDownCounter("dispatch.realtime.sessions",
		metric.WithDescription("Connected real-time sessions"))
	return r
}

// DefaultRooms lists the rooms a session joins on registration.
func DefaultRooms(role entity.Role, actorID string) []Room {
	switch role {
	case entity.RoleCustomer:
		return []Room{CustomerRoom(actorID)}
	case entity.RoleDriver:
		return []Room{RoomDrivers, DriverRoom(actorID)}
	case entity.RoleStaff, entity.RoleAdmin:
		return []Room{RoomKitchen}
	case entity.RolePrinter:
		return []Room{RoomPrinters}
	}
	return nil
}

// Register adds s and joins it to the rooms of its role.
func (r *Router) Register(s *Session) []Room {
	rooms := DefaultRooms(s.Role, s.ActorID)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.members[s.ID] = make(map[Room]struct{}, len(rooms))
	for _, room := range rooms {
		r.joinLocked(s, room)
	}
	r.mu.Unlock()

	r.active.Add(context.Background(), 1)
	r.logger.Debug("session registered",
		zap.String("session_id", s.ID),
		zap.String("actor_id", s.ActorID),
		zap.String("role", string(s.Role)),
	)
	return rooms
}

// Unregister removes s from every room and closes it.
func (r *Router) Unregister(s *Session) {
	r.mu.Lock()
	_, known := r.sessions[s.ID]
	if known {
		for room := range r.members[s.ID] {
			r.leaveLocked(s.ID, room)
		}
		delete(r.members, s.ID)
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	s.Close()
	if known {
		r.active.Add(context.Background(), -1)
		r.logger.Debug("session unregistered", zap.String("session_id", s.ID))
	}
}

// JoinOrder subscribes s to an order's tracking room once the order store
// confirms the actor is the order's customer or assigned driver.
func (r *Router) JoinOrder(ctx context.Context, s *Session, orderID string) error {
	if orderID == "" {
		return errorbank.BadRequest("order id is required")
	}
	ok, err := r.orders.IsParticipant(ctx, orderID, s.ActorID)
	if err != nil {
		return errorbank.Internal("failed to check order participant", errorbank.WithCause(err))
	}
	if !ok {
		r.logger.Warn("order tracking join rejected",
			zap.String("session_id", s.ID),
			zap.String("actor_id", s.ActorID),
			zap.String("order_id", orderID),
		)
		return errorbank.Unauthorized("order not found or not yours", errorbank.WithDetail("order_id", orderID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, registered := r.sessions[s.ID]; !registered {
		return errorbank.Unauthorized("session is not connected")
	}
	r.joinLocked(s, OrderRoom(orderID))
	return nil
}

// LeaveOrder unsubscribes s from an order's tracking room.
func (r *Router) LeaveOrder(s *Session, orderID string) {
	r.mu.Lock()
	r.leaveLocked(s.ID, OrderRoom(orderID))
	r.mu.Unlock()
}

// JoinActor subscribes every session of actorID holding role to room. The
// caller is responsible for having authorized the membership.
func (r *Router) JoinActor(actorID string, role entity.Role, room Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := 0
	for _, s := range r.sessions {
		if s.ActorID == actorID && s.Role == role {
			r.joinLocked(s, room)
			joined++
		}
	}
	return joined
}

// Broadcast encodes msg once and queues it on every session in room. It never
// blocks; sessions with a full buffer miss the frame. It returns the number of
// sessions the frame was queued on.
func (r *Router) Broadcast(room Room, msg Outbound) int {
	frame, err := Encode(msg)
	if err != nil {
		r.logger.Error("encode outbound event", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(frame) {
			delivered++
			continue
		}
		r.dropped.Add(context.Background(), 1)
		r.logger.Warn("dropping outbound frame",
			zap.String("session_id", s.ID),
			zap.String("room", string(room)),
			zap.String("type", msg.Type),
		)
	}
	r.broadcasts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("room", roomKind(room)),
		attribute.String("type", msg.Type),
	))
	return delivered
}

// PublishLocation sends a driver position and, when known, the delivery
// estimate to the order's tracking room.
func (r *Router) PublishLocation(loc DriverLocation, estimate *DeliveryEstimate) {
	room := OrderRoom(loc.OrderID)
	r.Broadcast(room, Outbound{Type: EventDriverLocationUpdate, Data: loc})
	if estimate != nil {
		r.Broadcast(room, Outbound{Type: EventEstimatedDeliveryTime, Data: *estimate})
	}
}

// Members returns the ids of the sessions currently in room.
func (r *Router) Members(room Room) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the rooms session id belongs to.
func (r *Router) RoomsOf(sessionID string) []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]Room, 0, len(r.members[sessionID]))
	for room := range r.members[sessionID] {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// SessionCount returns the number of registered sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close drops all membership and closes every session.
func (r *Router) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.rooms = make(map[Room]map[string]*Session)
	r.members = make(map[string]map[Room]struct{})
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.active.Add(context.Background(), -int64(len(sessions)))
}

func (r *Router) joinLocked(s *Session, room Room) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[s.ID] = s
	if set, ok := r.members[s.ID]; ok {
		set[room] = struct{}{}
	}
}

func (r *Router) leaveLocked(sessionID string, room Room) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if set, ok := r.members[sessionID]; ok {
		delete(set, room)
	}
}

func roomKind(room Room) string {
	kind, _, _ := strings.Cut(string(room), ":")
	return kind
}
