package order

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/auth"
	"github.com/Additional-Code/dispatch/internal/cache"
	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/database/dbtest"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/event"
	actorrepo "github.com/Additional-Code/dispatch/internal/repository/actor"
	orderrepo "github.com/Additional-Code/dispatch/internal/repository/order"
	service "github.com/Additional-Code/dispatch/internal/service/order"
)

type discard struct{}

func (discard) Publish(event.OrderEvent) {}

type apiFixture struct {
	e      *echo.Echo
	tokens map[string]string
	clock  *clock.Fake
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	conns := dbtest.New(t)
	start := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)

	users := []*entity.User{
		{ID: "cust-1", Email: "ana@example.com", FirstName: "Ana", Role: entity.RoleCustomer, IsActive: true, CreatedAt: start},
		{ID: "cust-2", Email: "bo@example.com", FirstName: "Bo", Role: entity.RoleCustomer, IsActive: true, CreatedAt: start},
		{ID: "staff-1", Email: "chef@example.com", FirstName: "Chef", Role: entity.RoleStaff, IsActive: true, CreatedAt: start},
		{ID: "payments", Email: "payments@example.com", FirstName: "Payments", Role: entity.RoleSystem, IsActive: true, CreatedAt: start},
	}
	_, err := conns.Writer.NewInsert().Model(&users).Exec(context.Background())
	require.NoError(t, err)

	cfg := config.Config{
		Auth: config.Auth{JWTSecret: "secret", JWTIssuer: "dispatch", TokenTTL: time.Hour},
		Orders: config.Orders{
			CancelWindow:       5 * time.Minute,
			TaxRateBPS:         800,
			DeliveryFeeCents:   300,
			DefaultPrepMinutes: 15,
			DeliveryBuffer:     20 * time.Minute,
		},
	}
	authn, err := auth.NewAuthenticator(cfg, actorrepo.NewRepository(conns), fake, nil)
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		Repository: orderrepo.NewRepository(conns),
		Cache:      cache.NewNoop(),
		Config:     cfg,
		Logger:     zap.NewNop(),
		Events:     discard{},
		Clock:      fake,
	})

	e := echo.New()
	Register(e, NewHandler(svc), authn)

	tokens := make(map[string]string, len(users))
	for _, u := range users {
		token, _, err := authn.Issue(u)
		require.NoError(t, err)
		tokens[u.ID] = token
	}
	return &apiFixture{e: e, tokens: tokens, clock: fake}
}

func (f *apiFixture) do(t *testing.T, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+f.tokens[actor])
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Kind string `json:"kind"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func (f *apiFixture) place(t *testing.T) dto.OrderResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/orders", "cust-1",
		`{"order_type":"pickup","items":[{"name":"Margherita","quantity":2,"unit_price_cents":1000}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order dto.OrderResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &order))
	return order
}

func TestPlaceAndFetch(t *testing.T) {
	api := newAPI(t)
	order := api.place(t)

	assert.Equal(t, entity.StatusPlaced, order.Status)
	assert.Equal(t, int64(2000), order.SubtotalCents)
	assert.Equal(t, int64(160), order.TaxCents)
	assert.Equal(t, int64(2160), order.TotalCents)

	rec := api.do(t, http.MethodGet, "/orders/"+order.ID, "cust-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/orders/"+order.ID, "cust-2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec).Error.Kind)

	rec = api.do(t, http.MethodGet, "/orders/"+order.ID, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKitchenMovesOrderThroughLifecycle(t *testing.T) {
	api := newAPI(t)
	order := api.place(t)
	path := "/orders/" + order.ID + "/status"

	rec := api.do(t, http.MethodPatch, path, "staff-1", `{"status":"preparing"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode(t, rec).Error.Kind)

	rec = api.do(t, http.MethodPatch, path, "staff-1", `{"status":"accepted","note":"confirmed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPatch, path, "cust-1", `{"status":"preparing"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/kitchen/orders", "staff-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var active []dto.OrderResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &active))
	require.Len(t, active, 1)
	assert.Equal(t, entity.StatusAccepted, active[0].Status)

	rec = api.do(t, http.MethodGet, "/orders/"+order.ID+"/history", "cust-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []dto.HistoryEntry
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, entity.StatusAccepted, history[1].Status)
	assert.Equal(t, "confirmed", history[1].Note)
}

func TestCustomerCancel(t *testing.T) {
	api := newAPI(t)

	first := api.place(t)
	rec := api.do(t, http.MethodPost, "/orders/"+first.ID+"/cancel", "cust-1", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	late := api.place(t)
	api.clock.Advance(6 * time.Minute)
	rec = api.do(t, http.MethodPost, "/orders/"+late.ID+"/cancel", "cust-1", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode(t, rec).Error.Kind)

	rec = api.do(t, http.MethodPost, "/orders/"+late.ID+"/cancel", "staff-1", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPlaceIgnoresClientPaymentStatus(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/orders", "cust-1",
		`{"order_type":"pickup","payment_status":"paid","items":[{"name":"Water","quantity":1,"unit_price_cents":0}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order dto.OrderResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &order))
	assert.Equal(t, entity.PaymentPending, order.PaymentStatus)
}

func TestConfirmPayment(t *testing.T) {
	api := newAPI(t)
	order := api.place(t)
	path := "/orders/" + order.ID + "/payment"

	rec := api.do(t, http.MethodPost, path, "cust-1", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, path, "payments", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid dto.OrderResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &paid))
	assert.Equal(t, entity.PaymentPaid, paid.PaymentStatus)

	rec = api.do(t, http.MethodPost, "/orders/missing/payment", "payments", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
