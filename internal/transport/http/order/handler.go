package order

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
	service "github.com/Additional-Code/dispatch/internal/service/order"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/dispatch/transport/http/order")

// Handler exposes order endpoints over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes behind bearer authentication.
func Register(e *echo.Echo, h *Handler, a *auth.Authenticator) {
	g := e.Group("/orders", a.Middleware())
	g.POST("", h.place, auth.RequireRoles(entity.RoleCustomer))
	g.GET("/:id", h.getByID)
	g.GET("/:id/history", h.history)
	g.PATCH("/:id/status", h.updateStatus, auth.RequireRoles(entity.RoleStaff, entity.RoleAdmin, entity.RoleDriver))
	g.POST("/:id/cancel", h.cancel, auth.RequireRoles(entity.RoleCustomer))
	g.POST("/:id/payment", h.confirmPayment, auth.RequireRoles(entity.RoleSystem, entity.RoleAdmin))

	k := e.Group("/kitchen", a.Middleware(), auth.RequireRoles(entity.RoleStaff, entity.RoleAdmin))
	k.GET("/orders", h.activeForKitchen)
}

type lineItemRequest struct {
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Notes          string `json:"notes"`
}

type placeRequest struct {
	OrderType           entity.OrderType  `json:"order_type"`
	Items               []lineItemRequest `json:"items"`
	TipCents            int64             `json:"tip_cents"`
	SpecialInstructions string            `json:"special_instructions"`
	DeliveryAddressID   string            `json:"delivery_address_id"`
	DeliveryLat         *float64          `json:"delivery_lat"`
	DeliveryLng         *float64          `json:"delivery_lng"`
}

type statusRequest struct {
	Status entity.Status `json:"status"`
	Note   string        `json:"note"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) place(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)

	var payload placeRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.place", trace.WithAttributes(
		attribute.String("customer.id", id.ActorID),
	))
	defer span.End()

	items := make([]service.LineItem, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, service.LineItem{
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			Notes:          item.Notes,
		})
	}
	order, err := h.svc.Place(ctx, service.PlaceInput{
		CustomerID:          id.ActorID,
		OrderType:           payload.OrderType,
		Items:               items,
		TipCents:            payload.TipCents,
		SpecialInstructions: payload.SpecialInstructions,
		DeliveryAddressID:   payload.DeliveryAddressID,
		DeliveryLat:         payload.DeliveryLat,
		DeliveryLng:         payload.DeliveryLng,
	})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.String("order.id", c.Param("id"))))
	defer span.End()

	order, err := h.svc.GetForActor(ctx, c.Param("id"), actorOf(id))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) history(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.history", trace.WithAttributes(attribute.String("order.id", c.Param("id"))))
	defer span.End()

	rows, err := h.svc.History(ctx, c.Param("id"), actorOf(id))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromHistory(rows)).Build()
}

func (h *Handler) updateStatus(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)

	var payload statusRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.updateStatus", trace.WithAttributes(
		attribute.String("order.id", c.Param("id")),
		attribute.String("order.status", string(payload.Status)),
	))
	defer span.End()

	order, err := h.svc.ApplyStatus(ctx, c.Param("id"), payload.Status, actorOf(id), payload.Note)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) cancel(c echo.Context) error {
	b := response.New(c)
	id, _ := auth.IdentityFrom(c)

	var payload cancelRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.cancel", trace.WithAttributes(attribute.String("order.id", c.Param("id"))))
	defer span.End()

	order, err := h.svc.CancelByCustomer(ctx, c.Param("id"), id.ActorID, payload.Reason)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

// confirmPayment is called by the payment collaborator once a charge settles.
func (h *Handler) confirmPayment(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.confirmPayment", trace.WithAttributes(attribute.String("order.id", c.Param("id"))))
	defer span.End()

	order, err := h.svc.MarkPaid(ctx, c.Param("id"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) activeForKitchen(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "kitchen.activeOrders")
	defer span.End()

	orders, err := h.svc.ActiveForKitchen(ctx)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithList(dto.FromOrders(orders), len(orders)).Build()
}

func actorOf(id auth.Identity) service.Actor {
	return service.Actor{ID: id.ActorID, Role: id.Role}
}
