// Package lock serialises mutations of the same policy.
//
// Within one process the engine's single-writer loop already orders
// notifications; Locker additionally covers direct callers and, with the
// Redis implementation, several engine replicas sharing one store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/flowguard/internal/policy"
)

// ErrLockAcquire is returned when a lock cannot be acquired.
var ErrLockAcquire = errors.New("lock: failed to acquire lock")

// DefaultTTL bounds how long a crashed holder can block a key.
const DefaultTTL = 30 * time.Second

// UnlockFunc releases a lock.
type UnlockFunc func(ctx context.Context) error

// Locker acquires exclusive locks by key.
type Locker interface {
	// Lock blocks until the lock is held or ctx is done. The returned
	// UnlockFunc must be called exactly once.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Key returns the lock key for a policy.
func Key(id policy.ID) string {
	return "policy:" + id.String()
}

// LockPolicies locks every id in ascending order so that two callers with
// overlapping sets cannot deadlock. On failure, locks already held are
// released. The returned UnlockFunc releases in reverse order and reports
// the first error.
func LockPolicies(ctx context.Context, l Locker, ids []policy.ID, ttl time.Duration) (UnlockFunc, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]UnlockFunc, 0, len(sorted))
	release := func(ctx context.Context) error {
		var first error
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i](ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	for _, id := range sorted {
		unlock, err := l.Lock(ctx, Key(id), ttl)
		if err != nil {
			_ = release(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("lock policy %d: %w", id, err)
		}
		held = append(held, unlock)
	}
	return release, nil
}
