package order

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/dispatch/internal/database"
	"github.com/Additional-Code/dispatch/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/dispatch/repository/order")

var (
	// ErrNotFound is returned when an order is missing.
	ErrNotFound = errors.New("order not found")
	// ErrDriverBusy is returned when the active-driver index rejects a claim.
	ErrDriverBusy = errors.New("driver already has an active order")
)

// StatusUpdate describes a conditional status write and the history row it produces.
type StatusUpdate struct {
	Expected  entity.Status
	Next      entity.Status
	ActorID   string
	ActorRole entity.Role
	Note      string
	At        time.Time
}

// Claim describes an assignment of a ready order to a driver.
type Claim struct {
	OrderID             string
	DriverID            string
	At                  time.Time
	EstimatedDeliveryAt *time.Time
}

// Repository encapsulates read/write access for orders.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// Create persists a new order, its line items and the first history entry in one transaction.
func (r *Repository) Create(ctx context.Context, order *entity.Order, first *entity.OrderStatusHistory) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(attribute.String("order.id", order.ID)))
	defer span.End()

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return err
		}
		if len(order.Items) > 0 {
			if _, err := tx.NewInsert().Model(&order.Items).Exec(ctx); err != nil {
				return err
			}
		}
		if first != nil {
			if _, err := tx.NewInsert().Model(first).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// Get fetches an order with its customer and line items.
func (r *Repository) Get(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Get", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().
		Model(order).
		Relation("Customer").
		Relation("Items", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("oi.position")
		}).
		Where("o.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// ConditionalUpdateStatus moves an order from upd.Expected to upd.Next only if it is
// still in upd.Expected, and appends the history row in the same transaction.
// It reports whether the update applied.
func (r *Repository) ConditionalUpdateStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ConditionalUpdateStatus", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.status.expected", string(upd.Expected)),
		attribute.String("order.status.next", string(upd.Next)),
	))
	defer span.End()

	applied := false
	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*entity.Order)(nil)).
			Set("status = ?", upd.Next).
			Set("updated_at = ?", upd.At).
			Where("id = ?", id).
			Where("status = ?", upd.Expected)
		if upd.Next == entity.StatusDelivered {
			q = q.Set("delivered_at = ?", upd.At)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		if !affectedOne(res) {
			return nil
		}
		applied = true
		return appendHistory(ctx, tx, &entity.OrderStatusHistory{
			OrderID:   id,
			Status:    upd.Next,
			ActorID:   upd.ActorID,
			ActorRole: upd.ActorRole,
			Note:      upd.Note,
			CreatedAt: upd.At,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return false, err
	}
	span.SetAttributes(attribute.Bool("order.applied", applied))
	return applied, nil
}

// Claim assigns a ready, unassigned order to a driver with a single conditional
// UPDATE. The driver must not already hold an out-for-delivery order. The
// nested select keeps the statement valid on mysql, which refuses to read the
// updated table directly in a subquery.
func (r *Repository) Claim(ctx context.Context, c Claim) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Claim", trace.WithAttributes(
		attribute.String("order.id", c.OrderID),
		attribute.String("driver.id", c.DriverID),
	))
	defer span.End()

	applied := false
	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*entity.Order)(nil)).
			Set("driver_id = ?", c.DriverID).
			Set("status = ?", entity.StatusOutForDelivery).
			Set("updated_at = ?", c.At).
			Set("estimated_delivery_at = COALESCE(?, estimated_delivery_at)", c.EstimatedDeliveryAt).
			Where("id = ?", c.OrderID).
			Where("driver_id IS NULL").
			Where("status = ?", entity.StatusReady).
			Where("NOT EXISTS (SELECT 1 FROM (SELECT id FROM orders WHERE driver_id = ? AND status = ?) AS busy)", c.DriverID, entity.StatusOutForDelivery).
			Exec(ctx)
		if err != nil {
			return err
		}
		if !affectedOne(res) {
			return nil
		}
		applied = true
		return appendHistory(ctx, tx, &entity.OrderStatusHistory{
			OrderID:   c.OrderID,
			Status:    entity.StatusOutForDelivery,
			ActorID:   c.DriverID,
			ActorRole: entity.RoleDriver,
			Note:      "claimed by driver",
			CreatedAt: c.At,
		})
	})
	if err != nil {
		if isUniqueViolation(err) {
			span.SetStatus(codes.Error, "driver busy")
			return false, ErrDriverBusy
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return false, err
	}
	span.SetAttributes(attribute.Bool("order.applied", applied))
	return applied, nil
}

// UpdatedAt returns the last write time of an order, or ErrNotFound.
func (r *Repository) UpdatedAt(ctx context.Context, id string) (time.Time, error) {
	var at time.Time
	err := r.writer.NewSelect().
		Model((*entity.Order)(nil)).
		Column("updated_at").
		Where("id = ?", id).
		Scan(ctx, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return at, err
}

// MarkPaid records a confirmed payment. It applies only while the payment is
// still pending or failed and the order has not been cancelled or refunded.
func (r *Repository) MarkPaid(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.MarkPaid", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	res, err := r.writer.NewUpdate().
		Model((*entity.Order)(nil)).
		Set("payment_status = ?", entity.PaymentPaid).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("payment_status IN (?)", bun.In([]entity.PaymentStatus{entity.PaymentPending, entity.PaymentFailed})).
		Where("status NOT IN (?)", bun.In([]entity.Status{entity.StatusCancelled, entity.StatusRefunded})).
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return false, err
	}
	return affectedOne(res), nil
}

// AppendHistory writes a standalone history entry.
func (r *Repository) AppendHistory(ctx context.Context, entry *entity.OrderStatusHistory) error {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.AppendHistory", trace.WithAttributes(attribute.String("order.id", entry.OrderID)))
	defer span.End()
	return appendHistory(ctx, r.writer, entry)
}

// History returns the status history of an order in insertion order.
func (r *Repository) History(ctx context.Context, id string) ([]*entity.OrderStatusHistory, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.History", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	var rows []*entity.OrderStatusHistory
	err := r.reader.NewSelect().Model(&rows).Where("order_id = ?", id).Order("id ASC").Scan(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rows, nil
}

// HasActiveForDriver reports whether the driver holds a non-terminal assigned order.
func (r *Repository) HasActiveForDriver(ctx context.Context, driverID string) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.HasActiveForDriver", trace.WithAttributes(attribute.String("driver.id", driverID)))
	defer span.End()

	return r.reader.NewSelect().
		Model((*entity.Order)(nil)).
		Where("driver_id = ?", driverID).
		Where("status NOT IN (?)", bun.In(terminalStatuses())).
		Exists(ctx)
}

// CurrentForDriver returns the driver's active delivery, or ErrNotFound.
func (r *Repository) CurrentForDriver(ctx context.Context, driverID string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.CurrentForDriver", trace.WithAttributes(attribute.String("driver.id", driverID)))
	defer span.End()

	var orders []*entity.Order
	err := r.listQuery(&orders).
		Where("o.driver_id = ?", driverID).
		Where("o.status NOT IN (?)", bun.In(terminalStatuses())).
		Limit(1).
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return orders[0], nil
}

// ActiveForKitchen lists orders the kitchen still has to act on, oldest first.
func (r *Repository) ActiveForKitchen(ctx context.Context) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ActiveForKitchen")
	defer span.End()

	var orders []*entity.Order
	err := r.listQuery(&orders).
		Where("o.status IN (?)", bun.In(entity.KitchenStatuses)).
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return orders, nil
}

// AvailableForDrivers lists ready orders that no driver has claimed yet.
func (r *Repository) AvailableForDrivers(ctx context.Context) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.AvailableForDrivers")
	defer span.End()

	var orders []*entity.Order
	err := r.listQuery(&orders).
		Where("o.status = ?", entity.StatusReady).
		Where("o.order_type = ?", entity.OrderTypeDelivery).
		Where("o.driver_id IS NULL").
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return orders, nil
}

// IsParticipant reports whether actorID is the order's customer or assigned driver.
func (r *Repository) IsParticipant(ctx context.Context, orderID, actorID string) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.IsParticipant", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	return r.reader.NewSelect().
		Model((*entity.Order)(nil)).
		Where("id = ?", orderID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("customer_id = ?", actorID).WhereOr("driver_id = ?", actorID)
		}).
		Exists(ctx)
}

func (r *Repository) listQuery(dest *[]*entity.Order) *bun.SelectQuery {
	return r.reader.NewSelect().
		Model(dest).
		Relation("Customer").
		Relation("Items", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("oi.position")
		}).
		Order("o.created_at ASC", "o.id ASC")
}

func appendHistory(ctx context.Context, db bun.IDB, entry *entity.OrderStatusHistory) error {
	_, err := db.NewInsert().Model(entry).Exec(ctx)
	return err
}

func affectedOne(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n == 1
}

func terminalStatuses() []entity.Status {
	return []entity.Status{entity.StatusDelivered, entity.StatusCancelled, entity.StatusRefunded}
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.IntegrityViolation() && pgErr.Field('C') == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
