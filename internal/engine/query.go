package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
)

// GetPolicy returns a copy of the policy record.
func (e *Engine) GetPolicy(ctx context.Context, id policy.ID) (policy.Record, error) {
	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return policy.Record{}, unknownPolicy(id)
	}
	if err != nil {
		return policy.Record{}, fmt.Errorf("get policy %d: %w", id, err)
	}
	return rec, nil
}

// IsActive reports whether the policy is ACTIVE.
func (e *Engine) IsActive(ctx context.Context, id policy.ID) (bool, error) {
	rec, err := e.GetPolicy(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Active(), nil
}

// PoliciesOf returns the owner's policies ordered by id.
func (e *Engine) PoliciesOf(ctx context.Context, owner policy.Account) ([]policy.Record, error) {
	owner, err := policy.ParseAccount(string(owner))
	if err != nil {
		return nil, err
	}
	recs, err := e.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list policies of %s: %w", owner, err)
	}
	return recs, nil
}

// Count returns the number of policies ever minted.
func (e *Engine) Count(ctx context.Context) (int64, error) {
	return e.store.Count(ctx)
}

// Events returns the policy's event log, or the whole log for id 0.
func (e *Engine) Events(ctx context.Context, id policy.ID) ([]policy.Event, error) {
	if id != 0 {
		if _, err := e.GetPolicy(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.store.Events(ctx, id)
}
