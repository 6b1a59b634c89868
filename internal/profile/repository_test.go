package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRepositoryPartialMerge(t *testing.T) {
	repo := NewInMemoryRepository()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := repo.Upsert(ctx, "42", Update{
		DisplayName: ptr("Alice"),
		Age:         ptr(29),
		Location:    &Location{Latitude: 48.85, Longitude: 2.35},
	})
	require.NoError(t, err)
	assert.Equal(t, now, first.CreatedAt)
	assert.Nil(t, first.Score)

	now = now.Add(time.Hour)
	submitted := now
	second, err := repo.Upsert(ctx, "42", Update{
		Location:        &Location{Latitude: 40.7, Longitude: -74.0},
		LastSubmittedAt: &submitted,
		ScoreDelta:      ptr(1.0),
	})
	require.NoError(t, err)
	require.NotNil(t, second.DisplayName)
	assert.Equal(t, "Alice", *second.DisplayName, "fields not supplied are preserved")
	assert.Equal(t, 29, *second.Age)
	assert.Equal(t, 40.7, *second.Latitude)
	assert.Equal(t, -74.0, *second.Longitude)
	assert.Equal(t, 1.0, *second.Score)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, now, second.UpdatedAt)
	assert.Equal(t, 1, repo.Len())
}

func TestInMemoryRepositoryGet(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	missing, err := repo.GetByExternalID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = repo.Upsert(ctx, "1", Update{DisplayName: ptr("Bob")})
	require.NoError(t, err)

	got, err := repo.GetByExternalID(ctx, "1")
	require.NoError(t, err)
	*got.DisplayName = "mutated"

	again, err := repo.GetByExternalID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Bob", *again.DisplayName, "returned profiles are copies")
}

func TestInMemoryRepositoryValidation(t *testing.T) {
	repo := NewInMemoryRepository()
	_, err := repo.Upsert(context.Background(), "", Update{})
	assert.True(t, errors.Is(err, ErrInvalidExternalID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = repo.Upsert(ctx, "1", Update{Age: ptr(3)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, repo.Len())
}

func TestInMemoryRepositoryConcurrentScore(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Upsert(ctx, "42", Update{ScoreDelta: ptr(1.0)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := repo.GetByExternalID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, float64(writers), *p.Score, "no increment is lost")
}

func TestUpdateIsEmpty(t *testing.T) {
	assert.True(t, Update{}.IsEmpty())
	assert.False(t, Update{Age: ptr(1)}.IsEmpty())
	assert.Nil(t, (*Profile)(nil).Clone())
}
