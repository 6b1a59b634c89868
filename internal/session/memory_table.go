package session

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/profilebot/pkg/logging"
)

const defaultSweepInterval = time.Minute

// MemoryTable is the process-local session table. Sessions idle longer than
// the configured TTL are dropped without any state transition.
type MemoryTable struct {
	mu       sync.Mutex
	sessions map[string]*Session

	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	onEvict       func(count int)
	logger        *logging.Logger
}

// MemoryOption customizes a MemoryTable.
type MemoryOption func(*MemoryTable)

// WithIdleTTL sets how long a session may sit untouched. Zero disables eviction.
func WithIdleTTL(ttl time.Duration) MemoryOption {
	return func(t *MemoryTable) {
		if ttl >= 0 {
			t.idleTTL = ttl
		}
	}
}

// WithSweepInterval sets how often Run scans for idle sessions.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(t *MemoryTable) {
		if interval > 0 {
			t.sweepInterval = interval
		}
	}
}

// WithEvictionHook registers a callback invoked with the number of sessions each sweep removed.
func WithEvictionHook(fn func(count int)) MemoryOption {
	return func(t *MemoryTable) {
		t.onEvict = fn
	}
}

// WithLogger sets the table logger.
func WithLogger(logger *logging.Logger) MemoryOption {
	return func(t *MemoryTable) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewMemoryTable returns an empty table.
func NewMemoryTable(opts ...MemoryOption) *MemoryTable {
	t := &MemoryTable{
		sessions:      make(map[string]*Session),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		logger:        logging.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns a copy of the session for externalID, or nil when there is none
// or it has gone idle.
func (t *MemoryTable) Get(ctx context.Context, externalID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[externalID]
	if !ok {
		return nil, nil
	}
	if t.expired(s, t.now()) {
		delete(t.sessions, externalID)
		return nil, nil
	}
	return s.Clone(), nil
}

// Put stores a copy of s, replacing any existing session for the same user.
func (t *MemoryTable) Put(ctx context.Context, s *Session) error {
	if s == nil || s.ExternalID == "" {
		return ErrInvalidSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.sessions[s.ExternalID] = s.Clone()
	t.mu.Unlock()
	return nil
}

// Delete removes the session for externalID. Deleting a missing session is not an error.
func (t *MemoryTable) Delete(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.sessions, externalID)
	t.mu.Unlock()
	return nil
}

// Len reports the number of stored sessions, including idle ones not yet swept.
func (t *MemoryTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep removes idle sessions and returns how many were dropped.
func (t *MemoryTable) Sweep() int {
	if t.idleTTL <= 0 {
		return 0
	}
	now := t.now()
	t.mu.Lock()
	removed := 0
	for id, s := range t.sessions {
		if t.expired(s, now) {
			delete(t.sessions, id)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Debug("idle sessions evicted", "count", removed)
		if t.onEvict != nil {
			t.onEvict(removed)
		}
	}
	return removed
}

// Run sweeps idle sessions until ctx is cancelled. It returns immediately when
// eviction is disabled.
func (t *MemoryTable) Run(ctx context.Context) {
	if t.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *MemoryTable) expired(s *Session, now time.Time) bool {
	return t.idleTTL > 0 && s.idleSince(now) > t.idleTTL
}
