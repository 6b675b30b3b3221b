package realtime

import (
	"encoding/json"
	"strings"

	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

// Inbound command types.
const (
	CmdAuthenticate       = "authenticate"
	CmdJoinOrderTracking  = "join_order_tracking"
	CmdLeaveOrderTracking = "leave_order_tracking"
	CmdLocationUpdate     = "driver_location_update"
	CmdAcceptOrder        = "accept_order"
	CmdUpdateStatus       = "update_order_status"
	CmdGetAvailableOrders = "get_available_orders"
	CmdGetActiveOrders    = "get_active_orders"
	CmdPrintConfirmation  = "print_confirmation"
	CmdAgentOnline        = "printer_agent_online"
	CmdAgentOffline       = "printer_agent_offline"
)

// Command sets, one per role. Each is closed over the variants below;
// handlers switch over them and treat anything else as a programming error.
type (
	CustomerCommand interface{ customerCommand() }
	DriverCommand   interface{ driverCommand() }
	KitchenCommand  interface{ kitchenCommand() }
	PrinterCommand  interface{ printerCommand() }
)

// JoinOrderTracking asks to follow one order.
type JoinOrderTracking struct {
	OrderID string `json:"order_id"`
}

// LeaveOrderTracking stops following one order.
type LeaveOrderTracking struct {
	OrderID string `json:"order_id"`
}

// LocationUpdate reports a driver's position.
type LocationUpdate struct {
	OrderID string   `json:"order_id,omitempty"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Heading *float64 `json:"heading,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
}

// AcceptOrder claims a ready order for the sending driver.
type AcceptOrder struct {
	OrderID string `json:"order_id"`
}

// UpdateStatus moves an order to a new status.
type UpdateStatus struct {
	OrderID string        `json:"order_id"`
	Status  entity.Status `json:"status"`
	Note    string        `json:"note,omitempty"`
}

// GetAvailableOrders lists ready delivery orders without a driver.
type GetAvailableOrders struct{}

// GetActiveOrders lists the orders the kitchen is working on.
type GetActiveOrders struct{}

// PrintConfirmation reports the outcome of a print job.
type PrintConfirmation struct {
	OrderID   string `json:"order_id"`
	PrintType string `json:"print_type"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// AgentOnline announces a printer agent and its printers.
type AgentOnline struct {
	AgentID  string   `json:"agent_id"`
	Printers []string `json:"printers,omitempty"`
}

// AgentOffline announces a printer agent shutting down.
type AgentOffline struct {
	AgentID string `json:"agent_id"`
}

func (JoinOrderTracking) customerCommand()  {}
func (JoinOrderTracking) driverCommand()    {}
func (LeaveOrderTracking) customerCommand() {}
func (LeaveOrderTracking) driverCommand()   {}
func (LocationUpdate) driverCommand()       {}
func (AcceptOrder) driverCommand()          {}
func (UpdateStatus) driverCommand()         {}
func (UpdateStatus) kitchenCommand()        {}
func (GetAvailableOrders) driverCommand()   {}
func (GetActiveOrders) kitchenCommand()     {}
func (PrintConfirmation) printerCommand()   {}
func (AgentOnline) printerCommand()         {}
func (AgentOffline) printerCommand()        {}

// DecodeCustomer decodes a frame sent by a customer session.
func DecodeCustomer(env Envelope) (CustomerCommand, error) {
	switch env.Type {
	case CmdJoinOrderTracking:
		return decodeOrderScoped[JoinOrderTracking](env, func(c JoinOrderTracking) string { return c.OrderID })
	case CmdLeaveOrderTracking:
		return decodeOrderScoped[LeaveOrderTracking](env, func(c LeaveOrderTracking) string { return c.OrderID })
	}
	return nil, unsupported(env, entity.RoleCustomer)
}

// DecodeDriver decodes a frame sent by a driver session.
func DecodeDriver(env Envelope) (DriverCommand, error) {
	switch env.Type {
	case CmdJoinOrderTracking:
		return decodeOrderScoped[JoinOrderTracking](env, func(c JoinOrderTracking) string { return c.OrderID })
	case CmdLeaveOrderTracking:
		return decodeOrderScoped[LeaveOrderTracking](env, func(c LeaveOrderTracking) string { return c.OrderID })
	case CmdAcceptOrder:
		return decodeOrderScoped[AcceptOrder](env, func(c AcceptOrder) string { return c.OrderID })
	case CmdUpdateStatus:
		return decodeStatus(env)
	case CmdLocationUpdate:
		var cmd LocationUpdate
		if err := decodeData(env, &cmd); err != nil {
			return nil, err
		}
		if cmd.Lat == nil || cmd.Lng == nil {
			return nil, errorbank.BadRequest("lat and lng are required")
		}
		return cmd, nil
	case CmdGetAvailableOrders:
		return GetAvailableOrders{}, nil
	}
	return nil, unsupported(env, entity.RoleDriver)
}

// DecodeKitchen decodes a frame sent by a staff or admin session.
func DecodeKitchen(env Envelope) (KitchenCommand, error) {
	switch env.Type {
	case CmdUpdateStatus:
		return decodeStatus(env)
	case CmdGetActiveOrders:
		return GetActiveOrders{}, nil
	}
	return nil, unsupported(env, entity.RoleStaff)
}

// DecodePrinter decodes a frame sent by a printer agent.
func DecodePrinter(env Envelope) (PrinterCommand, error) {
	switch env.Type {
	case CmdPrintConfirmation:
		var cmd PrintConfirmation
		if err := decodeData(env, &cmd); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cmd.OrderID) == "" || cmd.PrintType == "" {
			return nil, errorbank.BadRequest("order_id and print_type are required")
		}
		if cmd.Status != entity.PrintStatusPrinted && cmd.Status != entity.PrintStatusFailed {
			return nil, errorbank.BadRequest("status must be printed or failed", errorbank.WithDetail("status", cmd.Status))
		}
		return cmd, nil
	case CmdAgentOnline:
		var cmd AgentOnline
		if err := decodeData(env, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdAgentOffline:
		var cmd AgentOffline
		if err := decodeData(env, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	}
	return nil, unsupported(env, entity.RolePrinter)
}

func decodeStatus(env Envelope) (UpdateStatus, error) {
	cmd, err := decodeOrderScoped[UpdateStatus](env, func(c UpdateStatus) string { return c.OrderID })
	if err != nil {
		return UpdateStatus{}, err
	}
	if !cmd.Status.Valid() {
		return UpdateStatus{}, errorbank.BadRequest("unknown order status", errorbank.WithDetail("status", cmd.Status))
	}
	return cmd, nil
}

func decodeOrderScoped[T any](env Envelope, orderID func(T) string) (T, error) {
	var cmd T
	if err := decodeData(env, &cmd); err != nil {
		return cmd, err
	}
	if strings.TrimSpace(orderID(cmd)) == "" {
		var zero T
		return zero, errorbank.BadRequest("order_id is required", errorbank.WithDetail("command", env.Type))
	}
	return cmd, nil
}

func decodeData(env Envelope, dest any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return errorbank.BadRequest("malformed payload", errorbank.WithDetail("command", env.Type), errorbank.WithCause(err))
	}
	return nil
}

func unsupported(env Envelope, role entity.Role) error {
	return errorbank.BadRequest("unsupported command",
		errorbank.WithDetail("command", env.Type),
		errorbank.WithDetail("role", role),
	)
}
