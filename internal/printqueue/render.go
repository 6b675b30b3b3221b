package printqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
)

const defaultLineWidth = 42

// Style is a bit set of text attributes a printer may honour.
type Style uint8

const (
	StyleBold Style = 1 << iota
	StyleCenter
	StyleBig
)

// Line is one row of a rendered document.
type Line struct {
	Text  string
	Style Style
}

// Document is a device-independent rendering of a print job.
type Document []Line

// String renders the document as plain text.
func (d Document) String() string {
	var b strings.Builder
	for _, line := range d {
		b.WriteString(line.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Renderer turns order snapshots into documents.
type Renderer struct {
	restaurant config.Restaurant
	width      int
	clock      clock.Clock
}

// NewRenderer builds a renderer from the print configuration.
func NewRenderer(cfg config.Print, clk clock.Clock) *Renderer {
	width := cfg.LineWidth
	if width <= 0 {
		width = defaultLineWidth
	}
	return &Renderer{restaurant: cfg.Restaurant, width: width, clock: clk}
}

// Render produces the document for kind.
func (r *Renderer) Render(kind Kind, order dto.OrderResponse) (Document, error) {
	switch kind {
	case KindKitchenTicket:
		return r.kitchenTicket(order), nil
	case KindCustomerReceipt:
		return r.customerReceipt(order), nil
	case KindPickupNotice:
		return r.pickupNotice(order), nil
	default:
		return nil, fmt.Errorf("printqueue: unknown job kind %q", kind)
	}
}

func (r *Renderer) kitchenTicket(order dto.OrderResponse) Document {
	doc := Document{
		{Text: "KITCHEN ORDER", Style: StyleBold | StyleCenter | StyleBig},
		{Text: r.rule('=')},
		{Text: "Order #" + shortID(order.ID), Style: StyleBold},
		{Text: "Type: " + strings.ToUpper(string(order.OrderType))},
		{Text: "Time: " + r.stamp(order.CreatedAt)},
	}
	if order.CustomerName != "" {
		doc = append(doc, Line{Text: "Customer: " + order.CustomerName})
	}
	doc = append(doc, Line{Text: r.rule('-')})
	for _, item := range order.Items {
		doc = append(doc, Line{Text: fmt.Sprintf("%dx %s", item.Quantity, item.Name), Style: StyleBold | StyleBig})
		if item.Notes != "" {
			doc = append(doc, Line{Text: "   * " + item.Notes})
		}
	}
	if order.SpecialInstructions != "" {
		doc = append(doc,
			Line{Text: r.rule('-')},
			Line{Text: "SPECIAL INSTRUCTIONS:", Style: StyleBold},
			Line{Text: order.SpecialInstructions},
		)
	}
	return append(doc,
		Line{Text: r.rule('=')},
		Line{Text: "Printed: " + r.stamp(r.clock.Now()), Style: StyleCenter},
	)
}

func (r *Renderer) customerReceipt(order dto.OrderResponse) Document {
	doc := Document{{Text: r.restaurant.Name, Style: StyleBold | StyleCenter | StyleBig}}
	if r.restaurant.Address != "" {
		doc = append(doc, Line{Text: r.restaurant.Address, Style: StyleCenter})
	}
	if r.restaurant.Phone != "" {
		doc = append(doc, Line{Text: r.restaurant.Phone, Style: StyleCenter})
	}
	doc = append(doc,
		Line{Text: r.rule('=')},
		Line{Text: "Order #" + shortID(order.ID), Style: StyleBold},
		Line{Text: "Date: " + r.stamp(order.CreatedAt)},
		Line{Text: "Type: " + strings.ToUpper(string(order.OrderType))},
		Line{Text: r.rule('-')},
	)
	for _, item := range order.Items {
		label := fmt.Sprintf("%dx %s", item.Quantity, item.Name)
		doc = append(doc, Line{Text: r.columns(label, money(item.UnitPriceCents*int64(item.Quantity)))})
	}
	doc = append(doc,
		Line{Text: r.rule('-')},
		Line{Text: r.columns("Subtotal", money(order.SubtotalCents))},
		Line{Text: r.columns("Tax", money(order.TaxCents))},
	)
	if order.DeliveryFeeCents > 0 {
		doc = append(doc, Line{Text: r.columns("Delivery", money(order.DeliveryFeeCents))})
	}
	if order.TipCents > 0 {
		doc = append(doc, Line{Text: r.columns("Tip", money(order.TipCents))})
	}
	doc = append(doc,
		Line{Text: r.rule('=')},
		Line{Text: r.columns("TOTAL", money(order.TotalCents)), Style: StyleBold},
	)
	if order.PaymentStatus == entity.PaymentPaid {
		doc = append(doc, Line{Text: "PAID", Style: StyleBold | StyleCenter})
	}
	return append(doc, Line{Text: "Thank you!", Style: StyleCenter})
}

func (r *Renderer) pickupNotice(order dto.OrderResponse) Document {
	doc := Document{
		{Text: "ORDER READY", Style: StyleBold | StyleCenter | StyleBig},
		{Text: r.rule('=')},
		{Text: "Order #" + shortID(order.ID), Style: StyleBold | StyleCenter | StyleBig},
	}
	if order.CustomerName != "" {
		doc = append(doc, Line{Text: order.CustomerName, Style: StyleCenter})
	}
	return append(doc,
		Line{Text: "Type: " + strings.ToUpper(string(order.OrderType)), Style: StyleCenter},
		Line{Text: r.rule('=')},
		Line{Text: "Ready: " + r.stamp(r.clock.Now()), Style: StyleCenter},
	)
}

func (r *Renderer) rule(ch byte) string {
	return strings.Repeat(string(ch), r.width)
}

// columns left-aligns label and right-aligns value within the line width.
func (r *Renderer) columns(label, value string) string {
	gap := r.width - len(label) - len(value)
	if gap < 1 {
		gap = 1
	}
	return label + strings.Repeat(" ", gap) + value
}

func (r *Renderer) stamp(t time.Time) string {
	return t.Format("2006-01-02 15:04")
}

func money(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func shortID(id string) string {
	if len(id) > 8 {
		return strings.ToUpper(id[:8])
	}
	return strings.ToUpper(id)
}
