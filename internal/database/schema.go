package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/Additional-Code/dispatch/internal/entity"
)

// ActiveDriverIndex backs the one-active-delivery-per-driver rule in the store itself.
const ActiveDriverIndex = "orders_driver_active_uq"

var schemaModels = []any{
	(*entity.User)(nil),
	(*entity.DriverProfile)(nil),
	(*entity.DriverLocation)(nil),
	(*entity.Order)(nil),
	(*entity.OrderItem)(nil),
	(*entity.OrderStatusHistory)(nil),
	(*entity.PrintConfirmation)(nil),
}

// EnsureSchema creates the tables and indexes from the bun models. It is used
// for sqlite deployments and tests; postgres and mysql run goose migrations.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	for _, model := range schemaModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", model, err)
		}
	}

	stmts := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS " + ActiveDriverIndex + " ON orders (driver_id) WHERE status = 'out_for_delivery'",
		"CREATE INDEX IF NOT EXISTS orders_status_created_idx ON orders (status, created_at)",
		"CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items (order_id)",
		"CREATE INDEX IF NOT EXISTS order_status_history_order_idx ON order_status_history (order_id, id)",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
