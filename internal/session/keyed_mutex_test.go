package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("42")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, km.Len(), "entries are released once unused")
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutexUnlockIsIdempotent(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("a")
	unlock()
	unlock()
	assert.Equal(t, 0, km.Len())

	again := km.Lock("a")
	again()
}

func TestKeyedMutexAcquireHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("42")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release, err := km.Acquire(ctx, "42")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, release)
	assert.Equal(t, 1, km.Len(), "a cancelled waiter drops its reference")

	unlock()
	assert.Equal(t, 0, km.Len())
}
