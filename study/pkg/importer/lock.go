package importer

import (
	"context"
	"sync"
	"time"

	"github.com/malbeclabs/studydata/study/pkg/metrics"
)

// LockRegistry hands out one mutex per dataset identity. Entries are
// reference counted and dropped when the last holder or waiter leaves.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem   chan struct{}
	refs  int
	owner any
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: map[string]*keyLock{}}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// func releases it and must be called exactly once. A non-nil owner that
// already holds the lock gets it again at once, with a no-op release.
func (r *LockRegistry) Lock(ctx context.Context, key string, owner any) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if ok && owner != nil && l.owner == owner {
		r.mu.Unlock()
		return func() {}, nil
	}
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		r.release(key, l)
		return nil, ctx.Err()
	}
	metrics.KeyLockWaitDuration.Observe(time.Since(start).Seconds())
	r.mu.Lock()
	l.owner = owner
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			l.owner = nil
			r.mu.Unlock()
			<-l.sem
			r.release(key, l)
		})
	}, nil
}

func (r *LockRegistry) release(key string, l *keyLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
