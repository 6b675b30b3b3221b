package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/auth"
	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/realtime"
	printlogrepo "github.com/Additional-Code/dispatch/internal/repository/printlog"
	driversvc "github.com/Additional-Code/dispatch/internal/service/driver"
	ordersvc "github.com/Additional-Code/dispatch/internal/service/order"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var gatewayTracer = otel.Tracer("github.com/Additional-Code/dispatch/transport/ws")

// Authenticator resolves the credentials of a new connection.
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (auth.Identity, error)
}

// Orders is the lifecycle surface reachable over the socket.
type Orders interface {
	ApplyStatus(ctx context.Context, orderID string, status entity.Status, actor ordersvc.Actor, note string) (*entity.Order, error)
	ClaimOrder(ctx context.Context, orderID, driverID string) (*entity.Order, error)
	ActiveForKitchen(ctx context.Context) ([]*entity.Order, error)
	AvailableForDrivers(ctx context.Context) ([]*entity.Order, error)
}

// Drivers maintains driver presence and location.
type Drivers interface {
	SetOnline(ctx context.Context, driverID string, online bool) error
	UpdateLocation(ctx context.Context, driverID string, in driversvc.LocationInput) (*driversvc.LocationUpdate, error)
}

// PrintLog persists print confirmations.
type PrintLog interface {
	Record(ctx context.Context, c *entity.PrintConfirmation) error
}

// Gateway upgrades HTTP requests to websocket sessions and serves commands.
type Gateway struct {
	auth     Authenticator
	router   *realtime.Router
	orders   Orders
	drivers  Drivers
	prints   PrintLog
	clock    clock.Clock
	cfg      config.Realtime
	timeout  time.Duration
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// Params defines dependencies for constructing Gateway.
type Params struct {
	fx.In

	Auth    *auth.Authenticator
	Router  *realtime.Router
	Orders  *ordersvc.Service
	Drivers *driversvc.Service
	Prints  *printlogrepo.Repository
	Clock   clock.Clock
	Config  config.Config
	Logger  *zap.Logger
}

// NewGateway wires a Gateway from Fx-provided services.
func NewGateway(p Params) *Gateway {
	return New(p.Auth, p.Router, p.Orders, p.Drivers, p.Prints, p.Clock, p.Config, p.Logger)
}

// New builds a Gateway.
func New(authn Authenticator, router *realtime.Router, orders Orders, drivers Drivers, prints PrintLog, clk clock.Clock, cfg config.Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Gateway{
		auth:    authn,
		router:  router,
		orders:  orders,
		drivers: drivers,
		prints:  prints,
		clock:   clk,
		cfg:     cfg.Realtime,
		timeout: cfg.Auth.HandshakeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("ws_gateway"),
	}
}

// Register mounts the websocket endpoint.
func Register(e *echo.Echo, g *Gateway, cfg config.Config) {
	e.GET(cfg.Realtime.Path, g.Handle)
}

// Handle upgrades the request and serves the connection until it closes.
func (g *Gateway) Handle(c echo.Context) error {
	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	ctx := c.Request().Context()
	if g.cfg.ReadLimit > 0 {
		conn.SetReadLimit(g.cfg.ReadLimit)
	}

	id, err := g.handshake(ctx, conn)
	if err != nil {
		g.reject(conn, err)
		return nil
	}

	session := realtime.NewSession(id.ActorID, id.Role, g.clock.Now(), g.cfg.SendBuffer)
	rooms := g.router.Register(session)
	g.logger.Info("session connected",
		zap.String("session_id", session.ID),
		zap.String("actor_id", id.ActorID),
		zap.String("role", string(id.Role)),
	)

	if id.Role == entity.RoleDriver {
		if err := g.drivers.SetOnline(ctx, id.ActorID, true); err != nil {
			g.logger.Warn("mark driver online failed", zap.String("driver_id", id.ActorID), zap.Error(err))
		}
	}

	g.send(session, realtime.Outbound{Type: realtime.EventConnected, Data: realtime.Connected{
		SessionID: session.ID,
		ActorID:   id.ActorID,
		Role:      id.Role,
		Rooms:     rooms,
		Timestamp: g.clock.Now(),
	}})

	newConnection(g, conn, session).serve(ctx)

	if id.Role == entity.RoleDriver {
		offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := g.drivers.SetOnline(offCtx, id.ActorID, false); err != nil {
			g.logger.Warn("mark driver offline failed", zap.String("driver_id", id.ActorID), zap.Error(err))
		}
		cancel()
	}
	g.logger.Info("session disconnected", zap.String("session_id", session.ID))
	return nil
}

// handshake waits for the authenticate frame within the configured window.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) (auth.Identity, error) {
	timeout := g.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	var env realtime.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return auth.Identity{}, errorbank.AuthFailed("authentication not completed", errorbank.WithCause(err))
	}
	if env.Type != realtime.CmdAuthenticate {
		return auth.Identity{}, errorbank.AuthFailed("first frame must authenticate", errorbank.WithDetail("type", env.Type))
	}
	var creds auth.Credentials
	if err := json.Unmarshal(env.Data, &creds); err != nil {
		return auth.Identity{}, errorbank.AuthFailed("malformed credentials", errorbank.WithCause(err))
	}

	ctx, span := gatewayTracer.Start(ctx, "Gateway.Authenticate")
	defer span.End()
	return g.auth.Authenticate(ctx, creds)
}

func (g *Gateway) reject(conn *websocket.Conn, err error) {
	appErr := errorbank.From(err)
	g.logger.Warn("connection rejected", zap.String("kind", string(appErr.Kind())), zap.Error(err))

	deadline := time.Now().Add(g.writeTimeout())
	_ = conn.SetWriteDeadline(deadline)
	if frame, encErr := realtime.Encode(realtime.ErrorFrame(realtime.CmdAuthenticate, err)); encErr == nil {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, appErr.Message()), deadline)
}

func (g *Gateway) send(s *realtime.Session, msg realtime.Outbound) {
	frame, err := realtime.Encode(msg)
	if err != nil {
		g.logger.Error("encode reply", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if !s.Send(frame) {
		g.logger.Warn("dropping reply", zap.String("session_id", s.ID), zap.String("type", msg.Type))
	}
}

func (g *Gateway) writeTimeout() time.Duration {
	if g.cfg.WriteTimeout > 0 {
		return g.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (g *Gateway) pingInterval() time.Duration {
	if g.cfg.PingInterval > 0 {
		return g.cfg.PingInterval
	}
	return 30 * time.Second
}
