package keylock

import (
	"context"
	"sync"
)

// Locker serializes work on a single identifier. Lock blocks until the key
// is free or ctx is done; the returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process Locker. Entries are reference counted and removed
// once no goroutine holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal builds an empty Local locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

// Held reports how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
