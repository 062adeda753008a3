// README: Per-ride lock arena; serializes mutations of one ride without a process-wide lock.
package ride

import (
	"context"
	"sync"

	"rideshare/internal/types"
)

type rideLock struct {
	sem  chan struct{}
	refs int
}

// lockArena hands out one lock per ride id. Entries are dropped once nobody holds
// or waits for them, so the map only grows with in-flight rides.
type lockArena struct {
	mu    sync.Mutex
	locks map[types.ID]*rideLock
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[types.ID]*rideLock)}
}

// acquire blocks until the ride's lock is held or ctx is done.
// The returned release func must be called exactly once.
func (a *lockArena) acquire(ctx context.Context, id types.ID) (func(), error) {
	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &rideLock{sem: make(chan struct{}, 1)}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			a.unref(id, l)
		}, nil
	case <-ctx.Done():
		a.unref(id, l)
		return nil, ctx.Err()
	}
}

func (a *lockArena) unref(id types.ID, l *rideLock) {
	a.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
	a.mu.Unlock()
}

func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
