package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	processedKeyPrefix  = "processed:"
	defaultProcessedTTL = 48 * time.Hour
)

// RedisProcessedStore keeps processed event ids as expiring Redis keys. Telegram
// stops redelivering an update after roughly a day, so a bounded TTL is enough.
type RedisProcessedStore struct {
	redis *redis.Client
	ttl   time.Duration
}

var _ Tracker = (*RedisProcessedStore)(nil)

func NewRedisProcessedStore(client *redis.Client, ttl time.Duration) *RedisProcessedStore {
	if client == nil {
		panic("events: redis client required")
	}
	if ttl <= 0 {
		ttl = defaultProcessedTTL
	}
	return &RedisProcessedStore{redis: client, ttl: ttl}
}

func (s *RedisProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := s.redis.Exists(ctx, processedKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, processedKey(provider, eventID), time.Now().UTC().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ok, nil
}

func processedKey(provider, eventID string) string {
	return processedKeyPrefix + provider + ":" + eventID
}

// MemoryProcessedStore is a process-local Tracker for development and tests.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

var _ Tracker = (*MemoryProcessedStore)(nil)

func NewMemoryProcessedStore(ttl time.Duration) *MemoryProcessedStore {
	if ttl <= 0 {
		ttl = defaultProcessedTTL
	}
	return &MemoryProcessedStore{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryProcessedStore) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.seen[processedKey(provider, eventID)]
	if !ok {
		return false, nil
	}
	return s.now().Sub(at) < s.ttl, nil
}

func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, at := range s.seen {
		if now.Sub(at) >= s.ttl {
			delete(s.seen, key)
		}
	}
	key := processedKey(provider, eventID)
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = now
	return true, nil
}
