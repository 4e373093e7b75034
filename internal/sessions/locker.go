// Package sessions implements the append-only per-session message log
// and the session lifecycle operations (create, patch, reset, delete,
// compact, search) layered on top of internal/store's metadata mirror.
// Grounded on this codebase's SessionLocker (per-session mutex keyed by
// sync.Map, blocking acquire with timeout/context support).
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a session lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// DefaultLockTimeout bounds how long a writer waits for a session's lock.
const DefaultLockTimeout = 5 * time.Second

const lockPollInterval = 10 * time.Millisecond

type sessionMutex struct {
	mu     sync.Mutex
	locked bool
}

// Locker hands out one exclusive writer at a time per session key, so
// concurrent chat.send/session.patch/cron-fire calls against the same
// session never interleave their JSONL appends.
type Locker struct {
	locks   sync.Map // map[string]*sessionMutex
	timeout time.Duration
}

// NewLocker constructs a Locker with the given default timeout (DefaultLockTimeout if <= 0).
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Locker{timeout: timeout}
}

func (l *Locker) getOrCreate(key string) *sessionMutex {
	if m, ok := l.locks.Load(key); ok {
		return m.(*sessionMutex)
	}
	created := &sessionMutex{}
	actual, _ := l.locks.LoadOrStore(key, created)
	return actual.(*sessionMutex)
}

// Lock blocks until the session's lock is free or ctx is cancelled or the
// default timeout elapses, whichever comes first.
func (l *Locker) Lock(ctx context.Context, key string) error {
	m := l.getOrCreate(key)
	deadline := time.Now().Add(l.timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases the lock on key. Safe to call even if not held.
func (l *Locker) Unlock(key string) {
	if m, ok := l.locks.Load(key); ok {
		mu := m.(*sessionMutex)
		mu.mu.Lock()
		mu.locked = false
		mu.mu.Unlock()
	}
}

// WithLock runs fn while holding key's lock, always releasing afterward.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := l.Lock(ctx, key); err != nil {
		return err
	}
	defer l.Unlock(key)
	return fn()
}
