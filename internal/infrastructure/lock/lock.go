// Package lock provides an advisory distributed lock used to keep scheduled
// jobs from running concurrently across instances. Redis backs production;
// the in-memory implementation backs tests and single-node development.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when releasing or extending a lock that the caller
// no longer holds.
var ErrNotHeld = errors.New("lock not held by this holder")

// Locker acquires named advisory locks with a TTL. A lock expires on its own
// if the holder dies, so a crashed instance cannot wedge the schedulers.
type Locker interface {
	// Acquire attempts to take the named lock for the holder. It returns
	// false without error when another holder owns the lock.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// Release frees the lock if the holder still owns it.
	Release(ctx context.Context, name, holder string) error
	// Extend refreshes the TTL if the holder still owns the lock.
	Extend(ctx context.Context, name, holder string, ttl time.Duration) error
}
