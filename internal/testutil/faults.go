package testutil

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/roach88/flowguard/internal/lock"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
)

// ErrStoreDown is returned by FaultyStore while failing.
var ErrStoreDown = errors.New("testutil: store unavailable")

// FaultyStore wraps a store and fails reads or writes on demand.
type FaultyStore struct {
	store.Store
	FailUpdates atomic.Bool
	FailReads   atomic.Bool
}

// NewFaultyStore wraps s.
func NewFaultyStore(s store.Store) *FaultyStore {
	return &FaultyStore{Store: s}
}

func (f *FaultyStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	if f.FailUpdates.Load() {
		return ErrStoreDown
	}
	return f.Store.Update(ctx, fn)
}

func (f *FaultyStore) ListByOwner(ctx context.Context, owner policy.Account) ([]policy.Record, error) {
	if f.FailReads.Load() {
		return nil, ErrStoreDown
	}
	return f.Store.ListByOwner(ctx, owner)
}

// RefusingLocker never grants a lock.
type RefusingLocker struct{}

func (RefusingLocker) Lock(context.Context, string, time.Duration) (lock.UnlockFunc, error) {
	return nil, lock.ErrLockAcquire
}
