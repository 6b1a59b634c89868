package session

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key while letting different keys proceed in
// parallel. Entries are dropped once no goroutine holds or waits on them.
// It only serializes within one process; see RedisLocker for shared state.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	unlock, _ := k.Acquire(context.Background(), key)
	return unlock
}

// Acquire is Lock with cancellation. It returns ctx.Err() if ctx ends first.
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	e := k.ref(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.unref(key, e)
		})
	}, nil
}

func (k *KeyedMutex) ref(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) unref(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
