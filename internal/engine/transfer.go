package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/flowguard/internal/lock"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
)

// ErrSelfTransfer is returned when from and to are the same account.
var ErrSelfTransfer = errors.New("engine: transfer to current owner")

// TransferOwnership moves policy id from one account to another.
//
// The activation state is left as it is and no link is notified. The next
// notification for the new owner's stream re-evaluates the policy.
func (e *Engine) TransferOwnership(ctx context.Context, id policy.ID, from, to policy.Account) error {
	from, err := policy.ParseAccount(string(from))
	if err != nil {
		return fmt.Errorf("transfer from: %w", err)
	}
	to, err = policy.ParseAccount(string(to))
	if err != nil {
		return fmt.Errorf("transfer to: %w", err)
	}
	if from == to {
		return ErrSelfTransfer
	}

	unlock, err := lock.LockPolicies(ctx, e.locker, []policy.ID{id}, e.lockTTL)
	if err != nil {
		return &Error{Code: ErrCodeConcurrentMutation, Message: "lock policy", PolicyID: id, Err: err}
	}
	defer e.release(ctx, unlock)

	correlation := e.correlation.Generate()
	var state policy.State
	err = e.store.Update(ctx, func(tx store.Tx) error {
		rec, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Owner != from {
			return fmt.Errorf("%w: policy %d is owned by %s", ErrNotOwner, id, rec.Owner)
		}
		state = rec.State
		if err := tx.UpdateOwner(ctx, id, to); err != nil {
			return err
		}
		seq, err := tx.NextSeq(ctx)
		if err != nil {
			return err
		}
		ev, err := policy.NewEvent(policy.EventTransferred, id, to, seq, correlation, policy.Fields{
			"from":             from,
			"to":               to,
			"activation_state": rec.State,
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if errors.Is(err, store.ErrNotFound) {
		return unknownPolicy(id)
	}
	if err != nil {
		return fmt.Errorf("transfer policy %d: %w", id, err)
	}

	e.logger.Info("policy transferred",
		"policy_id", id,
		"from", from,
		"to", to,
		"activation_state", state,
		"correlation", correlation,
	)
	return nil
}
