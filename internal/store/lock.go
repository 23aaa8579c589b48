package store

import (
	"context"
	"fmt"
	"sync"
)

// keyedLock provides per-account exclusive locks for stores without a
// backing service that can lock for them (file, memory). Process-local:
// a file store shared by multiple processes needs the Postgres store's
// advisory locks instead.
type keyedLock struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{sems: make(map[string]chan struct{})}
}

func (l *keyedLock) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[key] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: account %s: %v", ErrLockTimeout, key, ctx.Err())
	}
}

func (l *keyedLock) release(key string) {
	l.mu.Lock()
	sem := l.sems[key]
	l.mu.Unlock()
	<-sem
}

func (l *keyedLock) with(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)
	return fn(ctx)
}
