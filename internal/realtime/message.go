package realtime

import (
	"encoding/json"
	"time"

	"github.com/Additional-Code/dispatch/internal/entity"
	driversvc "github.com/Additional-Code/dispatch/internal/service/driver"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

// Outbound event types.
const (
	EventConnected             = "connected"
	EventNewOrder              = "new_order"
	EventOrderStatusUpdate     = "order_status_update"
	EventOrderUpdate           = "order_update"
	EventOrderAvailable        = "order_available"
	EventOrderClaimed          = "order_claimed"
	EventOrderCancelled        = "order_cancelled"
	EventDriverLocationUpdate  = "driver_location_update"
	EventEstimatedDeliveryTime = "estimated_delivery_time"
	EventPrintFailed           = "print_failed"
	EventJoinedOrderTracking   = "joined_order_tracking"
	EventLeftOrderTracking     = "left_order_tracking"
	EventLocationConfirmed     = "location_update_confirmed"
	EventOrderAccepted         = "order_accepted"
	EventStatusConfirmed       = "status_update_confirmed"
	EventActiveOrders          = "active_orders"
	EventAvailableOrders       = "available_orders"
	EventPrintRecorded         = "print_confirmation_recorded"
	EventAgentStatusConfirmed  = "agent_status_confirmed"
	EventError                 = "error"
)

// Outbound is a frame sent to clients.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Envelope is a frame received from clients; Data is decoded per Type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode renders msg as a text frame.
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}

// Connected acknowledges a successful handshake.
type Connected struct {
	SessionID string      `json:"session_id"`
	ActorID   string      `json:"actor_id"`
	Role      entity.Role `json:"role"`
	Rooms     []Room      `json:"rooms"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusUpdate is sent to an order's tracking room.
type StatusUpdate struct {
	OrderID   string        `json:"order_id"`
	Status    entity.Status `json:"status"`
	Previous  entity.Status `json:"previous_status,omitempty"`
	DriverID  string        `json:"driver_id,omitempty"`
	Note      string        `json:"note,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// OrderRef identifies an order, optionally with the driver that claimed it.
type OrderRef struct {
	OrderID  string `json:"order_id"`
	DriverID string `json:"driver_id,omitempty"`
}

// DriverLocation is broadcast to an order's tracking room.
type DriverLocation struct {
	OrderID   string    `json:"order_id"`
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryEstimate is broadcast to an order's tracking room.
type DeliveryEstimate struct {
	OrderID             string    `json:"order_id"`
	EstimatedDeliveryAt time.Time `json:"estimated_delivery_at"`
	DistanceKm          float64   `json:"distance_km,omitempty"`
}

// PrintFailure is sent to the kitchen when a print job is abandoned.
type PrintFailure struct {
	OrderID   string    `json:"order_id"`
	PrintType string    `json:"print_type"`
	AgentID   string    `json:"agent_id"`
	Attempts  int       `json:"attempts"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentStatus acknowledges a printer agent announcement.
type AgentStatus struct {
	AgentID   string    `json:"agent_id"`
	Online    bool      `json:"online"`
	Printers  []string  `json:"printers,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationFrames splits an accepted location sample into the frames sent to
// the order room.
func LocationFrames(update *driversvc.LocationUpdate) (DriverLocation, *DeliveryEstimate) {
	loc := DriverLocation{
		OrderID:   update.OrderID,
		DriverID:  update.DriverID,
		Lat:       update.Lat,
		Lng:       update.Lng,
		Heading:   update.Heading,
		Speed:     update.Speed,
		Timestamp: update.RecordedAt,
	}
	if update.EstimatedDeliveryAt == nil {
		return loc, nil
	}
	estimate := &DeliveryEstimate{OrderID: update.OrderID, EstimatedDeliveryAt: *update.EstimatedDeliveryAt}
	if update.DistanceKm != nil {
		estimate.DistanceKm = *update.DistanceKm
	}
	return loc, estimate
}

// ErrorPayload reports a rejected command back to its sender.
type ErrorPayload struct {
	Kind    errorbank.Kind `json:"kind"`
	Message string         `json:"message"`
	Command string         `json:"command,omitempty"`
}

// ErrorFrame converts err into an error event.
func ErrorFrame(command string, err error) Outbound {
	appErr := errorbank.From(err)
	return Outbound{Type: EventError, Data: ErrorPayload{
		Kind:    appErr.Kind(),
		Message: appErr.Message(),
		Command: command,
	}}
}
