package driver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/dispatch/internal/auth"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/presentation/http/response"
	"github.com/Additional-Code/dispatch/internal/realtime"
	driversvc "github.com/Additional-Code/dispatch/internal/service/driver"
	ordersvc "github.com/Additional-Code/dispatch/internal/service/order"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/dispatch/transport/http/driver")

// Handler exposes the driver workflow over HTTP.
type Handler struct {
	orders  *ordersvc.Service
	drivers *driversvc.Service
	router  *realtime.Router
}

// NewHandler constructs a driver Handler.
func NewHandler(orders *ordersvc.Service, drivers *driversvc.Service, router *realtime.Router) *Handler {
	return &Handler{orders: orders, drivers: drivers, router: router}
}

// Register routes for authenticated drivers.
func Register(e *echo.Echo, h *Handler, a *auth.Authenticator) {
	g := e.Group("/driver", a.Middleware(), auth.RequireRoles(entity.RoleDriver))
	g.GET("/orders/available", h.available)
	g.GET("/orders/current", h.current)
	g.POST("/orders/:id/claim", h.claim)
	g.PUT("/status", h.setStatus)
	g.POST("/location", h.location)
}

type statusRequest struct {
	Online *bool `json:"online"`
}

type locationRequest struct {
	OrderID string   `json:"order_id"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Heading *float64 `json:"heading"`
	Speed   *float64 `json:"speed"`
}

func (h *Handler) available(c echo.Context) error {
	b := response.New(c)
	ctx, span := httpTracer.Start(c.Request().Context(), "driver.available")
	defer span.End()

	orders, err := h.orders.AvailableForDrivers(ctx)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithList(dto.FromOrders(orders), len(orders)).Build()
}

func (h *Handler) current(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)
	ctx, span := httpTracer.Start(c.Request().Context(), "driver.current")
	defer span.End()

	order, err := h.orders.CurrentForDriver(ctx, id.ActorID)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) claim(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)
	ctx, span := httpTracer.Start(c.Request().Context(), "driver.claim", trace.WithAttributes(
		attribute.String("order.id", c.Param("id")),
		attribute.String("driver.id", id.ActorID),
	))
	defer span.End()

	order, err := h.orders.ClaimOrder(ctx, c.Param("id"), id.ActorID)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) setStatus(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)

	var payload statusRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.Online == nil {
		return b.WithError(errorbank.BadRequest("online is required")).Build()
	}

	if err := h.drivers.SetOnline(c.Request().Context(), id.ActorID, *payload.Online); err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(map[string]bool{"online": *payload.Online}).Build()
}

func (h *Handler) location(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)

	var payload locationRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.Lat == nil || payload.Lng == nil {
		return b.WithError(errorbank.BadRequest("lat and lng are required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "driver.location")
	defer span.End()

	update, err := h.drivers.UpdateLocation(ctx, id.ActorID, driversvc.LocationInput{
		OrderID: payload.OrderID,
		Lat:     *payload.Lat,
		Lng:     *payload.Lng,
		Heading: payload.Heading,
		Speed:   payload.Speed,
	})
	if err != nil {
		return b.WithError(err).Build()
	}

	if update.OrderID != "" {
		h.router.PublishLocation(realtime.LocationFrames(update))
	}
	return b.WithStatus(http.StatusAccepted).WithData(update).Build()
}
