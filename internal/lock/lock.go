// Package lock provides keyed mutual exclusion for per-session state updates.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired in time. It is
// transient and callers should surface it as a retryable condition.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Unlock releases a held lock.
type Unlock func()

// Locker serialises work on a key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// IntegrityKey is the key guarding a session's integrity score.
func IntegrityKey(sessionID string) string {
	return "integrity:" + sessionID
}

// ScoreKey is the key guarding a session's response scores and result.
func ScoreKey(sessionID string) string {
	return "score:" + sessionID
}

// LocalLocker is an in-process keyed mutex. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
	wait  time.Duration
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker builds a locker that waits at most wait for a key. A zero
// wait relies solely on the caller's context.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry), wait: wait}
}

// Acquire blocks until key is free, ctx is done or the wait budget elapses.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	case <-timeout:
		l.release(key, e)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
