package store

import (
	"context"
	"sync"
)

// keyedLock serialises writers per conversation id. Each key is held by at
// most one goroutine; waiters block on the holder's done channel so that a
// release wakes all of them and exactly one wins the retry.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[string]chan struct{})}
}

// Acquire blocks until the key is free or ctx ends. On success it returns a
// release function that is safe to call more than once.
func (l *keyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		waitCh, taken := l.held[key]
		if !taken {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		}
	}
}
