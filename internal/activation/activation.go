// Package activation holds the pure threshold rule that derives a policy's
// activation state from an observed flow rate.
package activation

import "github.com/roach88/flowguard/internal/policy"

// Evaluate returns Active iff observed >= required. The comparison is
// inclusive and has no hysteresis.
func Evaluate(required, observed policy.Rate) policy.State {
	if observed >= required {
		return policy.Active
	}
	return policy.Inactive
}

// Decision is the result of evaluating one record against one observation.
type Decision struct {
	PolicyID policy.ID
	Previous policy.State
	Next     policy.State
	Observed policy.Rate
}

// Changed reports whether the decision is a transition.
func (d Decision) Changed() bool {
	return d.Previous != d.Next
}

// Decide evaluates rec against observed without modifying rec.
func Decide(rec policy.Record, observed policy.Rate) Decision {
	return Decision{
		PolicyID: rec.ID,
		Previous: rec.State,
		Next:     Evaluate(rec.RequiredFlowRate, observed),
		Observed: observed,
	}
}

// Apply returns a copy of rec with the decision written into it.
func Apply(rec policy.Record, d Decision, seq int64) policy.Record {
	out := rec.Clone()
	out.State = d.Next
	out.LastObservedFlowRate = d.Observed
	out.LastEvaluatedSeq = seq
	return out
}
