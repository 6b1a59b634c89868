package session

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTableRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	table := NewRedisTable(client, 30*time.Minute)
	ctx := context.Background()

	got, err := table.Get(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, got)

	started := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, table.Put(ctx, &Session{
		ExternalID: "42",
		ChatID:     4200,
		Flow:       "chat",
		State:      "ask_location",
		Collected:  map[string]string{"name": "Alice", "age": "29"},
		StartedAt:  started,
		UpdatedAt:  started,
	}))

	got, err = table.Get(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(4200), got.ChatID)
	assert.Equal(t, "Alice", got.Collected["name"])
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, 30*time.Minute, mr.TTL("session:42"))

	mr.FastForward(31 * time.Minute)
	got, err = table.Get(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, got, "idle keys expire")
}

func TestRedisTableDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	table := NewRedisTable(client, 0)
	ctx := context.Background()
	require.NoError(t, table.Put(ctx, &Session{ExternalID: "7", State: "await_location"}))
	assert.Equal(t, time.Duration(0), mr.TTL("session:7"), "zero ttl keeps the key")

	require.NoError(t, table.Delete(ctx, "7"))
	assert.False(t, mr.Exists("session:7"))
}

func TestRedisTableErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	table := NewRedisTable(client, time.Minute)

	require.NoError(t, mr.Set("session:bad", "{not json"))
	_, err := table.Get(context.Background(), "bad")
	assert.Error(t, err)

	assert.ErrorIs(t, table.Put(context.Background(), &Session{}), ErrInvalidSession)

	mr.Close()
	_, err = table.Get(context.Background(), "1")
	assert.Error(t, err)
}
