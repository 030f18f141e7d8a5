package expiring

import (
	"sync"
	"time"
)

// Entry is an immutable snapshot of a cached value.
type Entry[T any] struct {
	Value     T
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry's expiry has been reached at now.
func (e Entry[T]) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Value holds at most one Entry. Readers always see a complete entry:
// Store swaps the whole snapshot under a lock.
type Value[T any] struct {
	mu    sync.RWMutex
	entry *Entry[T]
}

// Load returns the current entry and whether one has been stored.
func (v *Value[T]) Load() (Entry[T], bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.entry == nil {
		var zero Entry[T]
		return zero, false
	}
	return *v.entry, true
}

// Fresh returns the current value if present and not expired at now.
func (v *Value[T]) Fresh(now time.Time) (T, bool) {
	e, ok := v.Load()
	if !ok || e.Expired(now) {
		var zero T
		return zero, false
	}
	return e.Value, true
}

// Store replaces the entry with value fetched at now and valid for ttl.
func (v *Value[T]) Store(value T, now time.Time, ttl time.Duration) Entry[T] {
	e := &Entry[T]{Value: value, FetchedAt: now, ExpiresAt: now.Add(ttl)}
	v.mu.Lock()
	v.entry = e
	v.mu.Unlock()
	return *e
}

// StoreUntil replaces the entry with an explicit expiry instant.
func (v *Value[T]) StoreUntil(value T, now, expiresAt time.Time) Entry[T] {
	e := &Entry[T]{Value: value, FetchedAt: now, ExpiresAt: expiresAt}
	v.mu.Lock()
	v.entry = e
	v.mu.Unlock()
	return *e
}

// Invalidate drops the entry.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	v.entry = nil
	v.mu.Unlock()
}
