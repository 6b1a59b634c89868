package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/profilebot/pkg/logging"
)

// Tracker records webhook deliveries that were already applied so platform
// redeliveries become no-ops.
type Tracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// Execer is satisfied by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type rowQuerier interface {
	Execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	selectProcessedSQL = `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`
	purgeProcessedSQL  = `DELETE FROM processed_events WHERE processed_at < $1`
)

const insertProcessedSQL = `
	INSERT INTO processed_events (provider, event_id)
	VALUES ($1, $2)
	ON CONFLICT (provider, event_id) DO NOTHING`

const defaultPurgeInterval = time.Hour

// MarkProcessedWith inserts the event id through exec, which may be a
// transaction. It reports false when the id was already recorded.
func MarkProcessedWith(ctx context.Context, exec Execer, provider, eventID string) (bool, error) {
	ct, err := exec.Exec(ctx, insertProcessedSQL, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ProcessedStore is the Postgres-backed Tracker. Rows older than the
// retention window are purged by Run, mirroring the Redis key TTL.
type ProcessedStore struct {
	pool      rowQuerier
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *logging.Logger
}

var _ Tracker = (*ProcessedStore)(nil)

// ProcessedStoreOption customizes a ProcessedStore.
type ProcessedStoreOption func(*ProcessedStore)

// WithRetention sets how long processed ids are kept. Zero keeps them forever.
func WithRetention(d time.Duration) ProcessedStoreOption {
	return func(s *ProcessedStore) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithPurgeInterval sets how often Run deletes expired ids.
func WithPurgeInterval(d time.Duration) ProcessedStoreOption {
	return func(s *ProcessedStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithProcessedLogger sets the logger used by Run.
func WithProcessedLogger(logger *logging.Logger) ProcessedStoreOption {
	return func(s *ProcessedStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewProcessedStore(pool *pgxpool.Pool, opts ...ProcessedStoreOption) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return newProcessedStoreWithExec(pool, opts...)
}

func newProcessedStoreWithExec(exec rowQuerier, opts ...ProcessedStoreOption) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	s := &ProcessedStore{
		pool:      exec,
		retention: defaultProcessedTTL,
		interval:  defaultPurgeInterval,
		now:       time.Now,
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AlreadyProcessed reports whether the provider event id was recorded.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists int
	if err := s.pool.QueryRow(ctx, selectProcessedSQL, provider, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records the id, returning false if it already exists.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	return MarkProcessedWith(ctx, s.pool, provider, eventID)
}

// Purge deletes ids recorded before the retention window and returns how
// many rows went.
func (s *ProcessedStore) Purge(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.retention)
	ct, err := s.pool.Exec(ctx, purgeProcessedSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("events: purge processed: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Run purges on every interval until ctx is cancelled.
func (s *ProcessedStore) Run(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("processed events purge failed", "error", err)
				}
				continue
			}
			if n > 0 {
				s.logger.Debug("purged processed events", "rows", n)
			}
		}
	}
}
