package lock

import (
	"context"
	"sync"
	"time"
)

type memLock struct {
	holder     string
	acquiredAt time.Time
	expiresAt  time.Time
}

// MemoryLocker implements Locker using in-memory storage. It coordinates
// goroutines within a single process; use the PostgreSQL or MongoDB lockers
// to coordinate across processes.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memLock
	now   func() time.Time
}

// NewMemoryLocker creates an in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]*memLock),
		now:   time.Now,
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.locks[name]
	if ok && cur.expiresAt.After(now) {
		// Same-holder re-acquire succeeds without refreshing the expiry.
		return cur.holder == holder, nil
	}
	l.locks[name] = &memLock{holder: holder, acquiredAt: now, expiresAt: now.Add(ttl)}
	return true, nil
}

// Extend implements Locker.
func (l *MemoryLocker) Extend(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.locks[name]
	if !ok || cur.holder != holder || !cur.expiresAt.After(now) {
		return false, nil
	}
	cur.expiresAt = now.Add(ttl)
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, name, holder string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.locks[name]
	if !ok || cur.holder != holder {
		return false, nil
	}
	delete(l.locks, name)
	return true, nil
}

// CountExpired implements Locker.
func (l *MemoryLocker) CountExpired(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var n int64
	for _, cur := range l.locks {
		if !cur.expiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

// CleanupExpired implements Locker.
func (l *MemoryLocker) CleanupExpired(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var n int64
	for name, cur := range l.locks {
		if !cur.expiresAt.After(now) {
			delete(l.locks, name)
			n++
		}
	}
	return n, nil
}

// Compile-time checks
var _ Locker = (*MemoryLocker)(nil)
