package profile

import (
	"context"
	"sync"
	"time"
)

// Repository defines the interface for profile storage. Upsert must be atomic
// per external id. GetByExternalID returns (nil, nil) when no row exists.
type Repository interface {
	Upsert(ctx context.Context, externalID string, update Update) (*Profile, error)
	GetByExternalID(ctx context.Context, externalID string) (*Profile, error)
}

// InMemoryRepository is a process-local Repository used for development and tests.
type InMemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	now      func() time.Time
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		profiles: make(map[string]*Profile),
		now:      time.Now,
	}
}

// Upsert creates or merges a profile under the write lock.
func (r *InMemoryRepository) Upsert(ctx context.Context, externalID string, update Update) (*Profile, error) {
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	p, ok := r.profiles[externalID]
	if !ok {
		p = &Profile{ExternalID: externalID, CreatedAt: now}
		r.profiles[externalID] = p
	}
	update.Apply(p)
	p.UpdatedAt = now
	return p.Clone(), nil
}

// GetByExternalID returns a copy of the stored profile or nil.
func (r *InMemoryRepository) GetByExternalID(ctx context.Context, externalID string) (*Profile, error) {
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[externalID].Clone(), nil
}

// Len reports the number of stored profiles.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
