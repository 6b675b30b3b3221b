package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/dispatch/internal/auth"
	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/realtime"
	driversvc "github.com/Additional-Code/dispatch/internal/service/driver"
	ordersvc "github.com/Additional-Code/dispatch/internal/service/order"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var now = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

type tokenAuth map[string]auth.Identity

func (a tokenAuth) Authenticate(_ context.Context, creds auth.Credentials) (auth.Identity, error) {
	id, ok := a[creds.Token]
	if !ok {
		return auth.Identity{}, errorbank.AuthFailed("invalid token")
	}
	return id, nil
}

type participants map[string][]string

func (p participants) IsParticipant(_ context.Context, orderID, actorID string) (bool, error) {
	for _, id := range p[orderID] {
		if id == actorID {
			return true, nil
		}
	}
	return false, nil
}

type statusCall struct {
	OrderID string
	Status  entity.Status
	Actor   ordersvc.Actor
}

type fakeOrders struct {
	mu    sync.Mutex
	calls []statusCall
}

func (f *fakeOrders) ApplyStatus(_ context.Context, orderID string, status entity.Status, actor ordersvc.Actor, _ string) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statusCall{OrderID: orderID, Status: status, Actor: actor})
	if status == entity.StatusDelivered && actor.Role == entity.RoleStaff {
		return nil, errorbank.Unauthorized("actor may not set this status")
	}
	return &entity.Order{ID: orderID, Status: status}, nil
}

func (f *fakeOrders) ClaimOrder(_ context.Context, orderID, driverID string) (*entity.Order, error) {
	if orderID == "taken" {
		return nil, errorbank.OrderUnavailable("order is no longer available")
	}
	return &entity.Order{ID: orderID, DriverID: &driverID, Status: entity.StatusOutForDelivery}, nil
}

func (f *fakeOrders) ActiveForKitchen(context.Context) ([]*entity.Order, error) {
	return []*entity.Order{{ID: "o1", Status: entity.StatusPreparing}}, nil
}

func (f *fakeOrders) AvailableForDrivers(context.Context) ([]*entity.Order, error) {
	return []*entity.Order{{ID: "o2", Status: entity.StatusReady}}, nil
}

type fakeDrivers struct {
	mu     sync.Mutex
	online map[string]bool
}

func (f *fakeDrivers) SetOnline(_ context.Context, driverID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[driverID] = online
	return nil
}

func (f *fakeDrivers) isOnline(driverID string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.online[driverID]
	return v, ok
}

func (f *fakeDrivers) UpdateLocation(_ context.Context, driverID string, in driversvc.LocationInput) (*driversvc.LocationUpdate, error) {
	eta := now.Add(12 * time.Minute)
	distance := 4.2
	return &driversvc.LocationUpdate{
		DriverID:            driverID,
		OrderID:             in.OrderID,
		Lat:                 in.Lat,
		Lng:                 in.Lng,
		RecordedAt:          now,
		DistanceKm:          &distance,
		EstimatedDeliveryAt: &eta,
	}, nil
}

type fakePrints struct {
	mu      sync.Mutex
	records []*entity.PrintConfirmation
}

func (f *fakePrints) Record(_ context.Context, c *entity.PrintConfirmation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, c)
	return nil
}

type harness struct {
	url     string
	router  *realtime.Router
	orders  *fakeOrders
	drivers *fakeDrivers
	prints  *fakePrints
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Config{
		Auth: config.Auth{HandshakeTimeout: 200 * time.Millisecond},
		Realtime: config.Realtime{
			Path:         "/ws",
			SendBuffer:   16,
			WriteTimeout: time.Second,
			PingInterval: time.Second,
			ReadLimit:    1 << 16,
		},
	}
	identities := tokenAuth{
		"cust":    {ActorID: "c1", Role: entity.RoleCustomer},
		"other":   {ActorID: "c2", Role: entity.RoleCustomer},
		"driver":  {ActorID: "d1", Role: entity.RoleDriver},
		"staff":   {ActorID: "s1", Role: entity.RoleStaff},
		"printer": {ActorID: "agent-1", Role: entity.RolePrinter},
	}
	h := &harness{
		router:  realtime.NewRouter(participants{"o1": {"c1", "d1"}}, nil),
		orders:  &fakeOrders{},
		drivers: &fakeDrivers{online: map[string]bool{}},
		prints:  &fakePrints{},
	}
	gw := New(identities, h.router, h.orders, h.drivers, h.prints, clock.NewFake(now), cfg, nil)

	e := echo.New()
	Register(e, gw, cfg)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		h.router.Close()
		srv.Close()
	})
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return h
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) connect(t *testing.T, role auth.ConnectionRole, token string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	write(t, conn, realtime.CmdAuthenticate, auth.Credentials{Role: role, Token: token})
	f := read(t, conn)
	require.Equal(t, realtime.EventConnected, f.Type, string(f.Data))
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(realtime.Envelope{Type: typ, Data: raw}))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func errorKind(t *testing.T, f frame) errorbank.Kind {
	t.Helper()
	require.Equal(t, realtime.EventError, f.Type)
	var payload realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	return payload.Kind
}

func TestHandshakeRegistersRoleRooms(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	write(t, conn, realtime.CmdAuthenticate, auth.Credentials{Role: auth.ConnectionDriver, Token: "driver"})

	f := read(t, conn)
	require.Equal(t, realtime.EventConnected, f.Type)
	var connected realtime.Connected
	require.NoError(t, json.Unmarshal(f.Data, &connected))
	assert.Equal(t, "d1", connected.ActorID)
	assert.ElementsMatch(t, []realtime.Room{realtime.RoomDrivers, realtime.DriverRoom("d1")}, connected.Rooms)

	online, _ := h.drivers.isOnline("d1")
	assert.True(t, online)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		online, seen := h.drivers.isOnline("d1")
		return seen && !online && h.router.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t)

	t.Run("invalid token", func(t *testing.T) {
		conn := h.dial(t)
		write(t, conn, realtime.CmdAuthenticate, auth.Credentials{Role: auth.ConnectionCustomer, Token: "forged"})
		assert.Equal(t, errorbank.KindAuthFailed, errorKind(t, read(t, conn)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "%v", err)
	})

	t.Run("command before authenticate", func(t *testing.T) {
		conn := h.dial(t)
		write(t, conn, realtime.CmdGetActiveOrders, struct{}{})
		assert.Equal(t, errorbank.KindAuthFailed, errorKind(t, read(t, conn)))
	})

	t.Run("silent client times out", func(t *testing.T) {
		conn := h.dial(t)
		assert.Equal(t, errorbank.KindAuthFailed, errorKind(t, read(t, conn)))
	})

	assert.Zero(t, h.router.SessionCount())
}

func TestOrderTrackingMembership(t *testing.T) {
	h := newHarness(t)
	owner := h.connect(t, auth.ConnectionCustomer, "cust")
	stranger := h.connect(t, auth.ConnectionCustomer, "other")

	write(t, owner, realtime.CmdJoinOrderTracking, realtime.JoinOrderTracking{OrderID: "o1"})
	assert.Equal(t, realtime.EventJoinedOrderTracking, read(t, owner).Type)

	write(t, stranger, realtime.CmdJoinOrderTracking, realtime.JoinOrderTracking{OrderID: "o1"})
	assert.Equal(t, errorbank.KindUnauthorized, errorKind(t, read(t, stranger)))

	assert.Len(t, h.router.Members(realtime.OrderRoom("o1")), 1)
}

func TestDriverLocationReachesOrderRoom(t *testing.T) {
	h := newHarness(t)
	customer := h.connect(t, auth.ConnectionCustomer, "cust")
	driver := h.connect(t, auth.ConnectionDriver, "driver")

	write(t, customer, realtime.CmdJoinOrderTracking, realtime.JoinOrderTracking{OrderID: "o1"})
	require.Equal(t, realtime.EventJoinedOrderTracking, read(t, customer).Type)

	write(t, driver, realtime.CmdLocationUpdate, map[string]any{"order_id": "o1", "lat": 25.03, "lng": 121.56})
	assert.Equal(t, realtime.EventLocationConfirmed, read(t, driver).Type)

	assert.Equal(t, realtime.EventDriverLocationUpdate, read(t, customer).Type)
	f := read(t, customer)
	require.Equal(t, realtime.EventEstimatedDeliveryTime, f.Type)
	var estimate realtime.DeliveryEstimate
	require.NoError(t, json.Unmarshal(f.Data, &estimate))
	assert.Equal(t, now.Add(12*time.Minute), estimate.EstimatedDeliveryAt)
	assert.InDelta(t, 4.2, estimate.DistanceKm, 1e-9)
}

func TestKitchenCommands(t *testing.T) {
	h := newHarness(t)
	kitchen := h.connect(t, auth.ConnectionKitchen, "staff")

	write(t, kitchen, realtime.CmdUpdateStatus, realtime.UpdateStatus{OrderID: "o1", Status: entity.StatusAccepted})
	assert.Equal(t, realtime.EventStatusConfirmed, read(t, kitchen).Type)

	write(t, kitchen, realtime.CmdUpdateStatus, realtime.UpdateStatus{OrderID: "o1", Status: entity.StatusDelivered})
	assert.Equal(t, errorbank.KindUnauthorized, errorKind(t, read(t, kitchen)))

	write(t, kitchen, realtime.CmdGetActiveOrders, struct{}{})
	f := read(t, kitchen)
	require.Equal(t, realtime.EventActiveOrders, f.Type)
	assert.Contains(t, string(f.Data), `"o1"`)

	write(t, kitchen, realtime.CmdAcceptOrder, realtime.AcceptOrder{OrderID: "o1"})
	assert.Equal(t, errorbank.KindBadRequest, errorKind(t, read(t, kitchen)))

	h.orders.mu.Lock()
	defer h.orders.mu.Unlock()
	require.Len(t, h.orders.calls, 2)
	assert.Equal(t, ordersvc.Actor{ID: "s1", Role: entity.RoleStaff}, h.orders.calls[0].Actor)
}

func TestDriverAcceptOrder(t *testing.T) {
	h := newHarness(t)
	driver := h.connect(t, auth.ConnectionDriver, "driver")

	write(t, driver, realtime.CmdAcceptOrder, realtime.AcceptOrder{OrderID: "o2"})
	assert.Equal(t, realtime.EventOrderAccepted, read(t, driver).Type)

	write(t, driver, realtime.CmdAcceptOrder, realtime.AcceptOrder{OrderID: "taken"})
	assert.Equal(t, errorbank.KindOrderUnavailable, errorKind(t, read(t, driver)))
}

func TestFailedPrintNotifiesKitchen(t *testing.T) {
	h := newHarness(t)
	kitchen := h.connect(t, auth.ConnectionKitchen, "staff")
	printer := h.connect(t, auth.ConnectionPrinter, "printer")

	write(t, printer, realtime.CmdAgentOnline, realtime.AgentOnline{AgentID: "agent-1", Printers: []string{"kitchen"}})
	assert.Equal(t, realtime.EventAgentStatusConfirmed, read(t, printer).Type)

	write(t, printer, realtime.CmdPrintConfirmation, realtime.PrintConfirmation{
		OrderID: "o1", PrintType: "kitchen_ticket", Status: entity.PrintStatusFailed, Attempts: 3, Detail: "connection refused",
	})
	assert.Equal(t, realtime.EventPrintRecorded, read(t, printer).Type)

	f := read(t, kitchen)
	require.Equal(t, realtime.EventPrintFailed, f.Type)
	var failure realtime.PrintFailure
	require.NoError(t, json.Unmarshal(f.Data, &failure))
	assert.Equal(t, "o1", failure.OrderID)
	assert.Equal(t, 3, failure.Attempts)

	h.prints.mu.Lock()
	defer h.prints.mu.Unlock()
	require.Len(t, h.prints.records, 1)
	assert.Equal(t, "agent-1", h.prints.records[0].AgentID)
}
