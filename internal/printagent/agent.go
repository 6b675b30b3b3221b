package printagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Additional-Code/dispatch/internal/auth"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/printqueue"
	"github.com/Additional-Code/dispatch/internal/realtime"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Params groups the agent dependencies.
type Params struct {
	fx.In

	Config config.Config
	Queue  *printqueue.Queue
	Spool  *printqueue.Spool
	Outbox *Outbox
	Logger *zap.Logger
}

// Agent keeps a printer-role connection to the coordinating process, feeds
// order events into the print queue and reports job outcomes back.
type Agent struct {
	cfg       config.Print
	queue     *printqueue.Queue
	printers  []string
	outbox    *Outbox
	dialer    *websocket.Dialer
	logger    *zap.Logger
	connected atomic.Bool
	dials     atomic.Int64
}

// NewAgent builds an agent from its Fx parameters.
func NewAgent(p Params) *Agent {
	return New(p.Config.Print, p.Queue, p.Spool.Printers(), p.Outbox, p.Logger)
}

// New builds an agent announcing printers.
func New(cfg config.Print, queue *printqueue.Queue, printers []string, outbox *Outbox, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		queue:    queue,
		printers: printers,
		outbox:   outbox,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:   logger.Named("printagent").With(zap.String("agent_id", cfg.AgentID)),
	}
}

// Connected reports whether a session is currently established.
func (a *Agent) Connected() bool {
	return a.connected.Load()
}

// Dials reports how many connection attempts have been made.
func (a *Agent) Dials() int64 {
	return a.dials.Load()
}

// Run drives the queue sweep loop and the connection loop until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.queue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.connectLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (a *Agent) connectLoop(ctx context.Context) {
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		fields := []zap.Field{
			zap.Duration("delay", a.cfg.ReconnectDelay),
			zap.Int("queued_confirmations", a.outbox.Len()),
		}
		if isClosed(err) {
			a.logger.Info("backend closed connection, reconnecting", fields...)
		} else {
			a.logger.Warn("backend connection lost, reconnecting", append(fields, zap.Error(err))...)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	a.dials.Add(1)
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := a.dialer.DialContext(dialCtx, a.cfg.BackendURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.BackendURL, err)
	}
	defer conn.Close()

	if err := a.handshake(conn); err != nil {
		return err
	}
	if err := a.write(conn, realtime.CmdAgentOnline, realtime.AgentOnline{AgentID: a.cfg.AgentID, Printers: a.printers}); err != nil {
		return err
	}

	a.connected.Store(true)
	defer a.connected.Store(false)
	a.logger.Info("connected to backend", zap.String("url", a.cfg.BackendURL), zap.Strings("printers", a.printers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.readPump(conn) })
	g.Go(func() error { return a.writePump(ctx, gctx, conn) })
	g.Go(func() error {
		if n := a.queue.Drain(gctx); n > 0 {
			a.logger.Info("retry queue drained", zap.Int("attempted", n))
		}
		return nil
	})
	return g.Wait()
}

func (a *Agent) handshake(conn *websocket.Conn) error {
	creds := auth.Credentials{Role: auth.ConnectionPrinter, Token: a.cfg.Token, AgentID: a.cfg.AgentID}
	if err := a.write(conn, realtime.CmdAuthenticate, creds); err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	var env realtime.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	switch env.Type {
	case realtime.EventConnected:
		return conn.SetReadDeadline(time.Time{})
	case realtime.EventError:
		var payload realtime.ErrorPayload
		_ = json.Unmarshal(env.Data, &payload)
		return errorbank.AuthFailed("backend rejected print agent", errorbank.WithDetail("reason", payload.Message))
	default:
		return fmt.Errorf("unexpected handshake reply %q", env.Type)
	}
}

func (a *Agent) readPump(conn *websocket.Conn) error {
	for {
		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		a.handle(env)
	}
}

// writePump owns all writes after the handshake. On shutdown it announces the
// agent offline before closing.
func (a *Agent) writePump(parent, ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	if err := a.flush(conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				a.goodbye(conn)
				return nil
			}
			return ctx.Err()
		case <-a.outbox.Ready():
			if err := a.flush(conn); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) goodbye(conn *websocket.Conn) {
	if err := a.write(conn, realtime.CmdAgentOffline, realtime.AgentOffline{AgentID: a.cfg.AgentID}); err != nil {
		a.logger.Debug("offline announcement not sent", zap.Error(err))
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	a.logger.Info("disconnected from backend")
}

func (a *Agent) flush(conn *websocket.Conn) error {
	items := a.outbox.Take()
	for i, c := range items {
		err := a.write(conn, realtime.CmdPrintConfirmation, realtime.PrintConfirmation{
			OrderID:   c.OrderID,
			PrintType: string(c.PrintType),
			Status:    c.Status,
			Attempts:  c.Attempts,
			Detail:    c.Detail,
		})
		if err != nil {
			a.outbox.Requeue(items[i:])
			return err
		}
	}
	return nil
}

func (a *Agent) write(conn *websocket.Conn, typ string, data any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(realtime.Outbound{Type: typ, Data: data})
}

func (a *Agent) handle(env realtime.Envelope) {
	switch env.Type {
	case realtime.EventNewOrder:
		order, ok := a.decodeOrder(env)
		if !ok {
			return
		}
		n := a.queue.OnNewOrder(order)
		a.logger.Info("new order received", zap.String("order_id", order.ID), zap.Int("jobs", n))
	case realtime.EventOrderUpdate:
		order, ok := a.decodeOrder(env)
		if !ok || order.Status != entity.StatusReady {
			return
		}
		n := a.queue.OnReady(order)
		a.logger.Info("order ready received", zap.String("order_id", order.ID), zap.Int("jobs", n))
	case realtime.EventError:
		var payload realtime.ErrorPayload
		_ = json.Unmarshal(env.Data, &payload)
		a.logger.Warn("backend reported error",
			zap.String("kind", string(payload.Kind)),
			zap.String("message", payload.Message),
			zap.String("command", payload.Command),
		)
	default:
		a.logger.Debug("frame ignored", zap.String("type", env.Type))
	}
}

func (a *Agent) decodeOrder(env realtime.Envelope) (dto.OrderResponse, bool) {
	var order dto.OrderResponse
	if err := json.Unmarshal(env.Data, &order); err != nil {
		a.logger.Warn("malformed order frame", zap.String("type", env.Type), zap.Error(err))
		return order, false
	}
	return order, true
}

// isClosed reports errors that end a session normally.
func isClosed(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
