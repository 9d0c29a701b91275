package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker in process memory with the same TTL and
// holder semantics as the Redis implementation.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

type memoryLock struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryLocker creates an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryLock),
		now:   time.Now,
	}
}

// SetClock overrides the time source, used by tests exercising expiry.
func (l *MemoryLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire takes the lock unless a live entry with another holder exists.
func (l *MemoryLocker) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.locks[name]; ok && entry.expiresAt.After(l.now()) {
		return false, nil
	}
	l.locks[name] = memoryLock{holder: holder, expiresAt: l.now().Add(ttl)}
	return true, nil
}

// Release frees the lock only when the stored holder matches.
func (l *MemoryLocker) Release(_ context.Context, name, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[name]
	if !ok || entry.holder != holder || !entry.expiresAt.After(l.now()) {
		return ErrNotHeld
	}
	delete(l.locks, name)
	return nil
}

// Extend refreshes the TTL only when the stored holder matches.
func (l *MemoryLocker) Extend(_ context.Context, name, holder string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[name]
	if !ok || entry.holder != holder || !entry.expiresAt.After(l.now()) {
		return ErrNotHeld
	}
	entry.expiresAt = l.now().Add(ttl)
	l.locks[name] = entry
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
