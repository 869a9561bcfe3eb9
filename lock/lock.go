// Package lock provides a TTL-based distributed lock for coordinating
// singleton background jobs across processes.
//
// The reclaim scheduler, dead-letter trimmer, and retention sweeper are safe
// to run concurrently but wasteful, so deployments typically guard each loop
// with a named lock. A lock is held until it is released or its TTL expires;
// an expired lock is free for any contender to take over, which keeps a
// crashed holder from blocking the job forever.
//
// Acquisition is first-writer-wins: under contention, exactly one contender
// observes true. Re-acquiring a lock already held by the same holder succeeds
// but does not refresh the expiry; holders that need more time call Extend
// explicitly.
package lock

import (
	"context"
	"time"
)

// Locker is a TTL distributed lock.
//
// Expected outcomes are expressed as booleans, not errors: failing to win a
// contested lock is normal operation. Errors indicate the backing store
// misbehaved.
type Locker interface {
	// Acquire attempts to take the named lock for holder with the given
	// TTL. It returns true when the lock is free, expired, or already held
	// by the same holder. A same-holder re-acquire does not refresh the
	// expiry.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Extend pushes the expiry of a lock forward by ttl from now. It
	// returns true only when the lock is currently held by holder and has
	// not expired.
	Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release drops the named lock if held by holder. It returns true when
	// a lock was actually released.
	Release(ctx context.Context, name, holder string) (bool, error)

	// CountExpired returns how many locks have expired but not been
	// cleaned up.
	CountExpired(ctx context.Context) (int64, error)

	// CleanupExpired removes expired lock rows and returns how many were
	// removed. Expired locks are already free for takeover; cleanup only
	// reclaims storage.
	CleanupExpired(ctx context.Context) (int64, error)
}
