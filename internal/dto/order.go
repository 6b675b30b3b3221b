package dto

import (
	"time"

	"github.com/Additional-Code/dispatch/internal/entity"
)

// OrderItem is a line item as exposed to clients and print agents.
type OrderItem struct {
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Notes          string `json:"notes,omitempty"`
}

// OrderResponse is the order snapshot carried by HTTP responses and real-time events.
type OrderResponse struct {
	ID                  string               `json:"id"`
	CustomerID          string               `json:"customer_id"`
	CustomerName        string               `json:"customer_name,omitempty"`
	CustomerPhone       string               `json:"customer_phone,omitempty"`
	DriverID            string               `json:"driver_id,omitempty"`
	Status              entity.Status        `json:"status"`
	OrderType           entity.OrderType     `json:"order_type"`
	PaymentStatus       entity.PaymentStatus `json:"payment_status"`
	SubtotalCents       int64                `json:"subtotal_cents"`
	TaxCents            int64                `json:"tax_cents"`
	DeliveryFeeCents    int64                `json:"delivery_fee_cents"`
	TipCents            int64                `json:"tip_cents"`
	TotalCents          int64                `json:"total_cents"`
	SpecialInstructions string               `json:"special_instructions,omitempty"`
	Items               []OrderItem          `json:"items"`
	EstimatedReadyAt    *time.Time           `json:"estimated_ready_at,omitempty"`
	EstimatedDeliveryAt *time.Time           `json:"estimated_delivery_at,omitempty"`
	DeliveredAt         *time.Time           `json:"delivered_at,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Clone returns a deep copy so the snapshot survives later mutation of the source.
func (o OrderResponse) Clone() OrderResponse {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	out.EstimatedReadyAt = cloneTime(o.EstimatedReadyAt)
	out.EstimatedDeliveryAt = cloneTime(o.EstimatedDeliveryAt)
	out.DeliveredAt = cloneTime(o.DeliveredAt)
	return out
}

// HistoryEntry is one status-history row.
type HistoryEntry struct {
	Status    entity.Status `json:"status"`
	ActorID   string        `json:"actor_id"`
	ActorRole entity.Role   `json:"actor_role"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// FromOrder converts a persisted order into its transport snapshot.
func FromOrder(order *entity.Order) OrderResponse {
	if order == nil {
		return OrderResponse{}
	}
	out := OrderResponse{
		ID:                  order.ID,
		CustomerID:          order.CustomerID,
		Status:              order.Status,
		OrderType:           order.OrderType,
		PaymentStatus:       order.PaymentStatus,
		SubtotalCents:       order.SubtotalCents,
		TaxCents:            order.TaxCents,
		DeliveryFeeCents:    order.DeliveryFeeCents,
		TipCents:            order.TipCents,
		TotalCents:          order.TotalCents,
		SpecialInstructions: order.SpecialInstructions,
		Items:               make([]OrderItem, 0, len(order.Items)),
		EstimatedReadyAt:    cloneTime(order.EstimatedReadyAt),
		EstimatedDeliveryAt: cloneTime(order.EstimatedDeliveryAt),
		DeliveredAt:         cloneTime(order.DeliveredAt),
		CreatedAt:           order.CreatedAt,
		UpdatedAt:           order.UpdatedAt,
	}
	if order.DriverID != nil {
		out.DriverID = *order.DriverID
	}
	if order.Customer != nil {
		out.CustomerName = order.Customer.DisplayName()
		out.CustomerPhone = order.Customer.Phone
	}
	for _, item := range order.Items {
		out.Items = append(out.Items, OrderItem{
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			Notes:          item.Notes,
		})
	}
	return out
}

// FromOrders converts a slice of orders.
func FromOrders(orders []*entity.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, FromOrder(o))
	}
	return out
}

// FromHistory converts history rows.
func FromHistory(rows []*entity.OrderStatusHistory) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, HistoryEntry{
			Status:    r.Status,
			ActorID:   r.ActorID,
			ActorRole: r.ActorRole,
			Note:      r.Note,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
