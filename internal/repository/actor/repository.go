package actor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/Additional-Code/dispatch/internal/database"
	"github.com/Additional-Code/dispatch/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/dispatch/repository/actor")

// ErrNotFound is returned when a user or driver profile is missing.
var ErrNotFound = errors.New("actor not found")

// Module provides the actor repository to Fx.
var Module = fx.Provide(NewRepository)

// Repository reads users and maintains driver presence.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{writer: conns.Writer, reader: conns.Reader}
}

// Get resolves a user by id.
func (r *Repository) Get(ctx context.Context, id string) (*entity.User, error) {
	ctx, span := repoTracer.Start(ctx, "ActorRepository.Get", trace.WithAttributes(attribute.String("actor.id", id)))
	defer span.End()

	user := new(entity.User)
	err := r.reader.NewSelect().Model(user).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return user, nil
}

// Profile returns the driver profile for a driver user.
func (r *Repository) Profile(ctx context.Context, driverID string) (*entity.DriverProfile, error) {
	profile := new(entity.DriverProfile)
	err := r.reader.NewSelect().Model(profile).Where("user_id = ?", driverID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return profile, err
}

// SetOnline flips the driver's presence flags.
func (r *Repository) SetOnline(ctx context.Context, driverID string, online bool, at time.Time) error {
	ctx, span := repoTracer.Start(ctx, "ActorRepository.SetOnline", trace.WithAttributes(
		attribute.String("driver.id", driverID),
		attribute.Bool("driver.online", online),
	))
	defer span.End()

	res, err := r.writer.NewUpdate().
		Model((*entity.DriverProfile)(nil)).
		Set("is_online = ?", online).
		Set("is_available = ?", online).
		Set("last_seen_at = ?", at).
		Set("updated_at = ?", at).
		Where("user_id = ?", driverID).
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLocation updates the driver's current position and, when the sample is
// tied to an order, appends it to the location history.
func (r *Repository) RecordLocation(ctx context.Context, loc *entity.DriverLocation) error {
	ctx, span := repoTracer.Start(ctx, "ActorRepository.RecordLocation", trace.WithAttributes(attribute.String("driver.id", loc.DriverID)))
	defer span.End()

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*entity.DriverProfile)(nil)).
			Set("current_lat = ?", loc.Lat).
			Set("current_lng = ?", loc.Lng).
			Set("last_seen_at = ?", loc.RecordedAt).
			Set("updated_at = ?", loc.RecordedAt).
			Where("user_id = ?", loc.DriverID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if loc.OrderID == nil {
			return nil
		}
		_, err = tx.NewInsert().Model(loc).Exec(ctx)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
	}
	return err
}
