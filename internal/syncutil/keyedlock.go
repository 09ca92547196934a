// Package syncutil provides concurrency primitives shared by the sync core.
package syncutil

import (
	"context"
	"sync"
)

// KeyedLock serializes work per exact key with context-aware acquisition.
// Entries are reference counted and removed when the last waiter leaves, so
// memory stays proportional to the number of keys currently contended, not
// the number of keys ever seen. Credential refreshes use one key per tenant;
// two tenants never block each other.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// lockEntry is a channel-based mutex so acquisition can select on ctx.Done().
type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{entries: make(map[string]*lockEntry)}
}

// Acquire locks key, blocking until the lock is free or ctx is done. On
// success it returns a release function the caller MUST invoke exactly once.
// On cancellation it returns nil and the context error.
func (k *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // starts unlocked
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			k.release(key, e)
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

// TryAcquire locks key without blocking. The second return reports success.
func (k *KeyedLock) TryAcquire(key string) (func(), bool) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			k.release(key, e)
		}, true
	default:
		k.release(key, e)
		return nil, false
	}
}

func (k *KeyedLock) release(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
