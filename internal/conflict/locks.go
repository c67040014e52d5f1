package conflict

import (
	"context"
	"sync"
)

// Locks serialises operations per destination key. Operations on different
// keys never wait on each other.
type Locks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx is done. The returned release function
// is idempotent.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	for {
		release, wait := l.acquire(key)
		if release != nil {
			return release, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryLock acquires key only if it is free.
func (l *Locks) TryLock(key string) (func(), bool) {
	release, _ := l.acquire(key)
	return release, release != nil
}

func (l *Locks) acquire(key string) (func(), <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]chan struct{})
	}
	if wait, busy := l.held[key]; busy {
		return nil, wait
	}
	ch := make(chan struct{})
	l.held[key] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(ch)
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
