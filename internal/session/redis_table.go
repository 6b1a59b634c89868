package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// RedisTable stores sessions as JSON values so several gateway instances can
// share conversation state. Idle eviction is delegated to key expiry.
type RedisTable struct {
	client  *redis.Client
	idleTTL time.Duration
	tracer  trace.Tracer
}

// NewRedisTable wraps client. A zero idleTTL keeps sessions until they finish.
func NewRedisTable(client *redis.Client, idleTTL time.Duration) *RedisTable {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	if idleTTL < 0 {
		idleTTL = 0
	}
	return &RedisTable{
		client:  client,
		idleTTL: idleTTL,
		tracer:  otel.Tracer("profilebot.internal.session.redis"),
	}
}

// Get loads the session for externalID, or nil when the key does not exist.
func (t *RedisTable) Get(ctx context.Context, externalID string) (*Session, error) {
	ctx, span := t.tracer.Start(ctx, "session.redis.get")
	defer span.End()

	data, err := t.client.Get(ctx, sessionKey(externalID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("session: load: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &s, nil
}

// Put writes s and refreshes its expiry.
func (t *RedisTable) Put(ctx context.Context, s *Session) error {
	if s == nil || s.ExternalID == "" {
		return ErrInvalidSession
	}
	ctx, span := t.tracer.Start(ctx, "session.redis.put")
	defer span.End()

	data, err := json.Marshal(s)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := t.client.Set(ctx, sessionKey(s.ExternalID), data, t.idleTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: persist: %w", err)
	}
	return nil
}

// Delete removes the session key.
func (t *RedisTable) Delete(ctx context.Context, externalID string) error {
	ctx, span := t.tracer.Start(ctx, "session.redis.delete")
	defer span.End()

	if err := t.client.Del(ctx, sessionKey(externalID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

func sessionKey(externalID string) string {
	return fmt.Sprintf("session:%s", externalID)
}
