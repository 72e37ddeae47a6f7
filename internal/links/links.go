// Package links delivers activation transitions to the components that
// depend on them: governance eligibility, staking rewards, and arbitrary
// HTTP subscribers.
//
// Links are only told about actual transitions. Every implementation here
// tolerates repeats and out-of-order delivery: a change whose Seq is not
// newer than the last one applied for that policy is ignored.
package links

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/flowguard/internal/policy"
)

// ActivationChange describes one policy entering State.
type ActivationChange struct {
	PolicyID    policy.ID      `json:"policy_id"`
	Owner       policy.Account `json:"owner"`
	State       policy.State   `json:"state"`
	Seq         int64          `json:"seq"`
	Correlation string         `json:"correlation,omitempty"`
}

// Link receives activation transitions.
type Link interface {
	Name() string
	OnActivationChanged(ctx context.Context, change ActivationChange) error
}

// Fanout delivers each change to every link in order and joins the
// failures. A failing link does not stop delivery to the rest.
type Fanout []Link

// Name implements Link.
func (f Fanout) Name() string {
	names := make([]string, len(f))
	for i, l := range f {
		names[i] = l.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

// OnActivationChanged implements Link. The returned error wraps one
// *DeliveryError per failing link.
func (f Fanout) OnActivationChanged(ctx context.Context, change ActivationChange) error {
	var errs []error
	for _, l := range f {
		if err := l.OnActivationChanged(ctx, change); err != nil {
			errs = append(errs, &DeliveryError{Link: l.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// DeliveryError attributes a failure to a link.
type DeliveryError struct {
	Link string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("link %s: %v", e.Link, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// seqTracker remembers the last applied seq per policy.
type seqTracker map[policy.ID]int64

// admit reports whether change is newer than anything applied for its
// policy and records it if so.
func (t seqTracker) admit(change ActivationChange) bool {
	if last, ok := t[change.PolicyID]; ok && change.Seq <= last {
		return false
	}
	t[change.PolicyID] = change.Seq
	return true
}
