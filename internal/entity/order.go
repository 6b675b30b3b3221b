package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// Status is the lifecycle position of an order.
type Status string

const (
	StatusPlaced         Status = "placed"
	StatusAccepted       Status = "accepted"
	StatusPreparing      Status = "preparing"
	StatusReady          Status = "ready"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPlaced, StatusAccepted, StatusPreparing, StatusReady,
		StatusOutForDelivery, StatusDelivered, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// KitchenStatuses lists the statuses the kitchen still has to act on.
var KitchenStatuses = []Status{StatusPlaced, StatusAccepted, StatusPreparing, StatusReady}

// OrderType distinguishes delivered orders from counter pickups.
type OrderType string

const (
	OrderTypeDelivery OrderType = "delivery"
	OrderTypePickup   OrderType = "pickup"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeDelivery || t == OrderTypePickup
}

// PaymentStatus is owned by the payment collaborator and only read here.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Order is the canonical, durable record of a customer order.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID                  string        `bun:"id,pk"`
	CustomerID          string        `bun:"customer_id,notnull"`
	DriverID            *string       `bun:"driver_id"`
	DeliveryAddressID   *string       `bun:"delivery_address_id"`
	Status              Status        `bun:"status,notnull"`
	OrderType           OrderType     `bun:"order_type,notnull"`
	PaymentStatus       PaymentStatus `bun:"payment_status,notnull"`
	SubtotalCents       int64         `bun:"subtotal_cents,notnull"`
	TaxCents            int64         `bun:"tax_cents,notnull"`
	DeliveryFeeCents    int64         `bun:"delivery_fee_cents,notnull"`
	TipCents            int64         `bun:"tip_cents,notnull"`
	TotalCents          int64         `bun:"total_cents,notnull"`
	SpecialInstructions string        `bun:"special_instructions,notnull"`
	DeliveryLat         *float64      `bun:"delivery_lat"`
	DeliveryLng         *float64      `bun:"delivery_lng"`
	EstimatedReadyAt    *time.Time    `bun:"estimated_ready_at"`
	EstimatedDeliveryAt *time.Time    `bun:"estimated_delivery_at"`
	DeliveredAt         *time.Time    `bun:"delivered_at"`
	CreatedAt           time.Time     `bun:"created_at,notnull"`
	UpdatedAt           time.Time     `bun:"updated_at,notnull"`

	Customer *User        `bun:"rel:belongs-to,join:customer_id=id"`
	Items    []*OrderItem `bun:"rel:has-many,join:id=order_id"`
}

// AssignedTo reports whether driverID is the order's assigned driver.
func (o *Order) AssignedTo(driverID string) bool {
	return o != nil && o.DriverID != nil && *o.DriverID == driverID
}

// OrderItem is a line item snapshot taken at checkout.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID             string `bun:"id,pk"`
	OrderID        string `bun:"order_id,notnull"`
	Position       int    `bun:"position,notnull"`
	Name           string `bun:"name,notnull"`
	Quantity       int    `bun:"quantity,notnull"`
	UnitPriceCents int64  `bun:"unit_price_cents,notnull"`
	Notes          string `bun:"notes,notnull"`
}

// OrderStatusHistory is an append-only audit entry written once per transition.
type OrderStatusHistory struct {
	bun.BaseModel `bun:"table:order_status_history,alias:osh"`

	ID        int64     `bun:"id,pk,autoincrement"`
	OrderID   string    `bun:"order_id,notnull"`
	Status    Status    `bun:"status,notnull"`
	ActorID   string    `bun:"actor_id,notnull"`
	ActorRole Role      `bun:"actor_role,notnull"`
	Note      string    `bun:"note,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}
