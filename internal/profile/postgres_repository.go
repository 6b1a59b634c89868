package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/profilebot/internal/events"
)

const profileColumns = `external_id, display_name, age, latitude, longitude, last_submitted_at, score, created_at, updated_at`

// The merge happens in a single statement so concurrent completions for the
// same external id serialize on the row lock and never interleave fields.
const upsertProfileSQL = `
	INSERT INTO profiles (external_id, display_name, age, latitude, longitude, last_submitted_at, score)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (external_id) DO UPDATE SET
		display_name      = COALESCE(EXCLUDED.display_name, profiles.display_name),
		age               = COALESCE(EXCLUDED.age, profiles.age),
		latitude          = COALESCE(EXCLUDED.latitude, profiles.latitude),
		longitude         = COALESCE(EXCLUDED.longitude, profiles.longitude),
		last_submitted_at = COALESCE(EXCLUDED.last_submitted_at, profiles.last_submitted_at),
		score             = CASE WHEN EXCLUDED.score IS NULL THEN profiles.score
		                         ELSE COALESCE(profiles.score, 0) + EXCLUDED.score END,
		updated_at        = now()
	RETURNING ` + profileColumns

const selectProfileSQL = `SELECT ` + profileColumns + ` FROM profiles WHERE external_id = $1`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores profiles in the relational database.
type PostgresRepository struct {
	pool   rowQuerier
	tracer trace.Tracer
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("profile: pgx pool required")
	}
	return newPostgresRepositoryWithQuerier(pool)
}

func newPostgresRepositoryWithQuerier(q rowQuerier) *PostgresRepository {
	if q == nil {
		panic("profile: querier required")
	}
	return &PostgresRepository{
		pool:   q,
		tracer: otel.Tracer("profilebot.internal.profile.postgres"),
	}
}

// Upsert inserts or merges the supplied fields and returns the stored row.
func (r *PostgresRepository) Upsert(ctx context.Context, externalID string, update Update) (*Profile, error) {
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}
	ctx, span := r.tracer.Start(ctx, "profile.postgres.upsert")
	defer span.End()
	span.SetAttributes(attribute.String("profilebot.external_id", externalID))

	row := r.pool.QueryRow(ctx, upsertProfileSQL, upsertArgs(externalID, update)...)
	p, err := scanProfile(row)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("profile: upsert failed: %w", err)
	}
	return p, nil
}

// UpsertOnce applies update and records provider/eventID in processed_events
// within one transaction. If the event is already recorded nothing is written
// and applied is false.
func (r *PostgresRepository) UpsertOnce(ctx context.Context, provider, eventID, externalID string, update Update) (*Profile, bool, error) {
	if err := validateExternalID(externalID); err != nil {
		return nil, false, err
	}
	ctx, span := r.tracer.Start(ctx, "profile.postgres.upsert_once")
	defer span.End()
	span.SetAttributes(
		attribute.String("profilebot.external_id", externalID),
		attribute.String("profilebot.event_id", eventID),
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("profile: begin: %w", err)
	}

	fresh, err := events.MarkProcessedWith(ctx, tx, provider, eventID)
	if err != nil {
		_ = tx.Rollback(ctx)
		span.RecordError(err)
		return nil, false, fmt.Errorf("profile: upsert once: %w", err)
	}
	if !fresh {
		_ = tx.Rollback(ctx)
		return nil, false, nil
	}

	p, err := scanProfile(tx.QueryRow(ctx, upsertProfileSQL, upsertArgs(externalID, update)...))
	if err != nil {
		_ = tx.Rollback(ctx)
		span.RecordError(err)
		return nil, false, fmt.Errorf("profile: upsert failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("profile: commit: %w", err)
	}
	return p, true, nil
}

func upsertArgs(externalID string, update Update) []any {
	var lat, lon *float64
	if update.Location != nil {
		lat = &update.Location.Latitude
		lon = &update.Location.Longitude
	}
	var submitted *time.Time
	if update.LastSubmittedAt != nil {
		ts := update.LastSubmittedAt.UTC()
		submitted = &ts
	}
	return []any{
		externalID,
		update.DisplayName,
		update.Age,
		lat,
		lon,
		submitted,
		update.ScoreDelta,
	}
}

// GetByExternalID fetches a profile, returning nil when it does not exist.
func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*Profile, error) {
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}
	ctx, span := r.tracer.Start(ctx, "profile.postgres.get")
	defer span.End()

	p, err := scanProfile(r.pool.QueryRow(ctx, selectProfileSQL, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("profile: select failed: %w", err)
	}
	return p, nil
}

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	if err := row.Scan(
		&p.ExternalID,
		&p.DisplayName,
		&p.Age,
		&p.Latitude,
		&p.Longitude,
		&p.LastSubmittedAt,
		&p.Score,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}
