package harness

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/policy"
)

// AssertionContext gives assertions access to the end state of a run.
type AssertionContext struct {
	Ctx        context.Context
	Engine     *engine.Engine
	Governance *links.Governance
	Staking    *links.Staking
	Links      map[string]*switchLink
}

// EvaluateAssertions checks every assertion and returns one message per
// failure. Each assertion is evaluated even if earlier ones failed.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, &a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a *Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertPolicyState:
		return assertPolicyState(a, actx)
	case AssertOwner:
		return assertOwner(a, actx)
	case AssertHolder:
		account, err := policy.ParseAccount(a.Account)
		if err != nil {
			return err
		}
		if got := actx.Governance.IsHolder(account); got != a.present() {
			return fmt.Errorf("holder %s: expected %v, got %v", account, a.present(), got)
		}
		return nil
	case AssertEligible:
		id := policy.ID(a.Policy)
		if got := actx.Staking.Eligible(id); got != a.present() {
			return fmt.Errorf("policy %d eligible: expected %v, got %v", id, a.present(), got)
		}
		return nil
	case AssertEventKinds:
		return assertEventKinds(a, actx)
	case AssertTransitionCount:
		state, err := policy.ParseState(a.State)
		if err != nil {
			return err
		}
		if got := result.CountTransitions(state); got != *a.Count {
			return fmt.Errorf("expected %d transitions to %s, got %d", *a.Count, state, got)
		}
		return nil
	case AssertLinkChanges:
		l, ok := actx.Links[a.Link]
		if !ok {
			return fmt.Errorf("unknown link %q", a.Link)
		}
		if got := len(l.Changes()); got != *a.Count {
			return fmt.Errorf("link %s: expected %d changes, got %d", a.Link, *a.Count, got)
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertPolicyState(a *Assertion, actx *AssertionContext) error {
	want, err := policy.ParseState(a.State)
	if err != nil {
		return err
	}
	rec, err := actx.Engine.GetPolicy(actx.Ctx, policy.ID(a.Policy))
	if err != nil {
		return err
	}
	if rec.State != want {
		return fmt.Errorf("policy %d: expected %s, got %s", rec.ID, want, rec.State)
	}
	return nil
}

func assertOwner(a *Assertion, actx *AssertionContext) error {
	want, err := policy.ParseAccount(a.Account)
	if err != nil {
		return err
	}
	rec, err := actx.Engine.GetPolicy(actx.Ctx, policy.ID(a.Policy))
	if err != nil {
		return err
	}
	if rec.Owner != want {
		return fmt.Errorf("policy %d: expected owner %s, got %s", rec.ID, want, rec.Owner)
	}
	return nil
}

func assertEventKinds(a *Assertion, actx *AssertionContext) error {
	events, err := actx.Engine.Events(actx.Ctx, policy.ID(a.Policy))
	if err != nil {
		return err
	}
	got := make([]string, len(events))
	for i, ev := range events {
		got[i] = string(ev.Kind)
	}
	if !slices.Equal(got, a.Kinds) {
		return fmt.Errorf("policy %d: expected events %v, got %v", a.Policy, a.Kinds, got)
	}
	return nil
}
