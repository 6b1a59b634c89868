package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/profilebot/pkg/logging"
)

const (
	lockKeyPrefix      = "session-lock:"
	defaultLockTTL     = 15 * time.Second
	defaultLockRetry   = 25 * time.Millisecond
	lockReleaseTimeout = 2 * time.Second
)

// ErrLockNotAcquired is returned when the wait for a held lock is cut short.
var ErrLockNotAcquired = errors.New("session: lock not acquired")

// Deletes the key only while it still holds our token, so a lock that expired
// and was taken by another instance is left alone.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes work per external id across gateway instances that
// share a RedisTable. Locks expire after ttl so a crashed holder cannot wedge
// a user.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *logging.Logger
	tracer trace.Tracer
}

// RedisLockerOption customizes a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockTTL bounds how long a lock survives its holder.
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockRetry sets the polling interval while a lock is held elsewhere.
func WithLockRetry(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLockLogger sets the logger used for release failures.
func WithLockLogger(logger *logging.Logger) RedisLockerOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewRedisLocker(client *redis.Client, opts ...RedisLockerOption) *RedisLocker {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	l := &RedisLocker{
		client: client,
		ttl:    defaultLockTTL,
		retry:  defaultLockRetry,
		logger: logging.Default(),
		tracer: otel.Tracer("profilebot.internal.session.redis"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock for key, polling until it is free or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	ctx, span := l.tracer.Start(ctx, "session.redis.lock")
	defer span.End()

	lockKey := lockKeyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("session: acquire lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	return func() {
		// The caller's context may already be done by the time it releases.
		ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		if err := releaseLockScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
			l.logger.Warn("failed to release session lock", "external_id", key, "error", err)
		}
	}, nil
}
