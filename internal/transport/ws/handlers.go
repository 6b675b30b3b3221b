package ws

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/realtime"
	driversvc "github.com/Additional-Code/dispatch/internal/service/driver"
	ordersvc "github.com/Additional-Code/dispatch/internal/service/order"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

type orderList struct {
	Orders []dto.OrderResponse `json:"orders"`
}

type statusConfirmed struct {
	OrderID string        `json:"order_id"`
	Status  entity.Status `json:"status"`
}

type locationConfirmed struct {
	Timestamp time.Time `json:"timestamp"`
}

type printRecorded struct {
	OrderID   string `json:"order_id"`
	PrintType string `json:"print_type"`
	Status    string `json:"status"`
}

// dispatch decodes env with the command set of the session's role, runs it
// and queues the reply or the error on the session.
func (g *Gateway) dispatch(ctx context.Context, s *realtime.Session, env realtime.Envelope) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Command", trace.WithAttributes(
		attribute.String("ws.command", env.Type),
		attribute.String("actor.role", string(s.Role)),
	))
	defer span.End()

	var (
		reply realtime.Outbound
		err   error
	)
	switch s.Role {
	case entity.RoleCustomer:
		var cmd realtime.CustomerCommand
		if cmd, err = realtime.DecodeCustomer(env); err == nil {
			reply, err = g.customer(ctx, s, cmd)
		}
	case entity.RoleDriver:
		var cmd realtime.DriverCommand
		if cmd, err = realtime.DecodeDriver(env); err == nil {
			reply, err = g.driver(ctx, s, cmd)
		}
	case entity.RoleStaff, entity.RoleAdmin:
		var cmd realtime.KitchenCommand
		if cmd, err = realtime.DecodeKitchen(env); err == nil {
			reply, err = g.kitchen(ctx, s, cmd)
		}
	case entity.RolePrinter:
		var cmd realtime.PrinterCommand
		if cmd, err = realtime.DecodePrinter(env); err == nil {
			reply, err = g.printer(ctx, s, cmd)
		}
	default:
		err = errorbank.Unauthorized("role may not send commands", errorbank.WithDetail("role", s.Role))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command rejected")
		g.logger.Info("command rejected",
			zap.String("session_id", s.ID),
			zap.String("command", env.Type),
			zap.String("kind", string(errorbank.KindOf(err))),
			zap.Error(err),
		)
		g.send(s, realtime.ErrorFrame(env.Type, err))
		return
	}
	if reply.Type != "" {
		g.send(s, reply)
	}
}

func (g *Gateway) customer(ctx context.Context, s *realtime.Session, cmd realtime.CustomerCommand) (realtime.Outbound, error) {
	switch cmd := cmd.(type) {
	case realtime.JoinOrderTracking:
		return g.joinOrder(ctx, s, cmd.OrderID)
	case realtime.LeaveOrderTracking:
		return g.leaveOrder(s, cmd.OrderID), nil
	}
	return realtime.Outbound{}, unhandled(cmd)
}

func (g *Gateway) driver(ctx context.Context, s *realtime.Session, cmd realtime.DriverCommand) (realtime.Outbound, error) {
	switch cmd := cmd.(type) {
	case realtime.JoinOrderTracking:
		return g.joinOrder(ctx, s, cmd.OrderID)
	case realtime.LeaveOrderTracking:
		return g.leaveOrder(s, cmd.OrderID), nil
	case realtime.LocationUpdate:
		return g.updateLocation(ctx, s, cmd)
	case realtime.AcceptOrder:
		order, err := g.orders.ClaimOrder(ctx, cmd.OrderID, s.ActorID)
		if err != nil {
			return realtime.Outbound{}, err
		}
		return realtime.Outbound{Type: realtime.EventOrderAccepted, Data: dto.FromOrder(order)}, nil
	case realtime.UpdateStatus:
		return g.updateStatus(ctx, s, cmd)
	case realtime.GetAvailableOrders:
		orders, err := g.orders.AvailableForDrivers(ctx)
		if err != nil {
			return realtime.Outbound{}, err
		}
		return realtime.Outbound{Type: realtime.EventAvailableOrders, Data: orderList{Orders: dto.FromOrders(orders)}}, nil
	}
	return realtime.Outbound{}, unhandled(cmd)
}

func (g *Gateway) kitchen(ctx context.Context, s *realtime.Session, cmd realtime.KitchenCommand) (realtime.Outbound, error) {
	switch cmd := cmd.(type) {
	case realtime.UpdateStatus:
		return g.updateStatus(ctx, s, cmd)
	case realtime.GetActiveOrders:
		orders, err := g.orders.ActiveForKitchen(ctx)
		if err != nil {
			return realtime.Outbound{}, err
		}
		return realtime.Outbound{Type: realtime.EventActiveOrders, Data: orderList{Orders: dto.FromOrders(orders)}}, nil
	}
	return realtime.Outbound{}, unhandled(cmd)
}

func (g *Gateway) printer(ctx context.Context, s *realtime.Session, cmd realtime.PrinterCommand) (realtime.Outbound, error) {
	switch cmd := cmd.(type) {
	case realtime.PrintConfirmation:
		return g.recordPrint(ctx, s, cmd)
	case realtime.AgentOnline:
		g.logger.Info("print agent online",
			zap.String("session_id", s.ID),
			zap.String("agent_id", s.ActorID),
			zap.Strings("printers", cmd.Printers),
		)
		return realtime.Outbound{Type: realtime.EventAgentStatusConfirmed, Data: realtime.AgentStatus{
			AgentID:   s.ActorID,
			Online:    true,
			Printers:  cmd.Printers,
			Timestamp: g.clock.Now(),
		}}, nil
	case realtime.AgentOffline:
		g.logger.Info("print agent going offline", zap.String("agent_id", s.ActorID))
		return realtime.Outbound{Type: realtime.EventAgentStatusConfirmed, Data: realtime.AgentStatus{
			AgentID:   s.ActorID,
			Timestamp: g.clock.Now(),
		}}, nil
	}
	return realtime.Outbound{}, unhandled(cmd)
}

func (g *Gateway) joinOrder(ctx context.Context, s *realtime.Session, orderID string) (realtime.Outbound, error) {
	if err := g.router.JoinOrder(ctx, s, orderID); err != nil {
		return realtime.Outbound{}, err
	}
	return realtime.Outbound{Type: realtime.EventJoinedOrderTracking, Data: realtime.OrderRef{OrderID: orderID}}, nil
}

func (g *Gateway) leaveOrder(s *realtime.Session, orderID string) realtime.Outbound {
	g.router.LeaveOrder(s, orderID)
	return realtime.Outbound{Type: realtime.EventLeftOrderTracking, Data: realtime.OrderRef{OrderID: orderID}}
}

func (g *Gateway) updateStatus(ctx context.Context, s *realtime.Session, cmd realtime.UpdateStatus) (realtime.Outbound, error) {
	actor := ordersvc.Actor{ID: s.ActorID, Role: s.Role}
	order, err := g.orders.ApplyStatus(ctx, cmd.OrderID, cmd.Status, actor, cmd.Note)
	if err != nil {
		return realtime.Outbound{}, err
	}
	return realtime.Outbound{Type: realtime.EventStatusConfirmed, Data: statusConfirmed{OrderID: order.ID, Status: order.Status}}, nil
}

func (g *Gateway) updateLocation(ctx context.Context, s *realtime.Session, cmd realtime.LocationUpdate) (realtime.Outbound, error) {
	update, err := g.drivers.UpdateLocation(ctx, s.ActorID, driversvc.LocationInput{
		OrderID: cmd.OrderID,
		Lat:     *cmd.Lat,
		Lng:     *cmd.Lng,
		Heading: cmd.Heading,
		Speed:   cmd.Speed,
	})
	if err != nil {
		return realtime.Outbound{}, err
	}

	if update.OrderID != "" {
		g.router.PublishLocation(realtime.LocationFrames(update))
	}
	return realtime.Outbound{Type: realtime.EventLocationConfirmed, Data: locationConfirmed{
		Timestamp: update.RecordedAt,
	}}, nil
}

func (g *Gateway) recordPrint(ctx context.Context, s *realtime.Session, cmd realtime.PrintConfirmation) (realtime.Outbound, error) {
	now := g.clock.Now()
	record := &entity.PrintConfirmation{
		OrderID:   cmd.OrderID,
		PrintType: cmd.PrintType,
		AgentID:   s.ActorID,
		Status:    cmd.Status,
		Attempts:  cmd.Attempts,
		Detail:    cmd.Detail,
		CreatedAt: now,
	}
	if err := g.prints.Record(ctx, record); err != nil {
		return realtime.Outbound{}, errorbank.Internal("failed to record print confirmation", errorbank.WithCause(err))
	}

	if cmd.Status == entity.PrintStatusFailed {
		g.logger.Error("print job abandoned",
			zap.String("order_id", cmd.OrderID),
			zap.String("print_type", cmd.PrintType),
			zap.String("agent_id", s.ActorID),
			zap.Int("attempts", cmd.Attempts),
			zap.String("detail", cmd.Detail),
		)
		g.router.Broadcast(realtime.RoomKitchen, realtime.Outbound{Type: realtime.EventPrintFailed, Data: realtime.PrintFailure{
			OrderID:   cmd.OrderID,
			PrintType: cmd.PrintType,
			AgentID:   s.ActorID,
			Attempts:  cmd.Attempts,
			Detail:    cmd.Detail,
			Timestamp: now,
		}})
	}
	return realtime.Outbound{Type: realtime.EventPrintRecorded, Data: printRecorded{
		OrderID:   cmd.OrderID,
		PrintType: cmd.PrintType,
		Status:    cmd.Status,
	}}, nil
}

func unhandled(cmd any) error {
	return errorbank.Internal("command not handled", errorbank.WithDetail("command", fmt.Sprintf("%T", cmd)))
}

func malformedFrame(err error) error {
	return errorbank.BadRequest("malformed frame", errorbank.WithCause(err))
}
