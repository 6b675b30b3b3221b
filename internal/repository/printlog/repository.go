package printlog

import (
	"context"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/Additional-Code/dispatch/internal/database"
	"github.com/Additional-Code/dispatch/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/dispatch/repository/printlog")

// Module provides the print confirmation repository to Fx.
var Module = fx.Provide(NewRepository)

// Repository stores print confirmations reported by print agents.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{writer: conns.Writer, reader: conns.Reader}
}

// Record appends a confirmation.
func (r *Repository) Record(ctx context.Context, c *entity.PrintConfirmation) error {
	ctx, span := repoTracer.Start(ctx, "PrintLogRepository.Record", trace.WithAttributes(
		attribute.String("order.id", c.OrderID),
		attribute.String("print.status", c.Status),
	))
	defer span.End()

	_, err := r.writer.NewInsert().Model(c).Exec(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ForOrder lists confirmations for an order, oldest first.
func (r *Repository) ForOrder(ctx context.Context, orderID string) ([]*entity.PrintConfirmation, error) {
	var rows []*entity.PrintConfirmation
	err := r.reader.NewSelect().Model(&rows).Where("order_id = ?", orderID).Order("id ASC").Scan(ctx)
	return rows, err
}
