package links

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/flowguard/internal/policy"
)

// Staking tracks which policies are eligible for staking rewards. Reward
// computation belongs to the staking component; this is only the
// eligibility set it reads.
type Staking struct {
	mu       sync.Mutex
	eligible map[policy.ID]policy.Account
	seen     seqTracker
}

var _ Link = (*Staking)(nil)

// NewStaking returns an empty eligibility set.
func NewStaking() *Staking {
	return &Staking{
		eligible: make(map[policy.ID]policy.Account),
		seen:     make(seqTracker),
	}
}

// Name implements Link.
func (s *Staking) Name() string { return "staking" }

// OnActivationChanged implements Link.
func (s *Staking) OnActivationChanged(_ context.Context, change ActivationChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seen.admit(change) {
		return nil
	}
	switch change.State {
	case policy.Active:
		s.eligible[change.PolicyID] = change.Owner
	case policy.Inactive:
		delete(s.eligible, change.PolicyID)
	default:
		return fmt.Errorf("staking: %w", policy.ErrInvalidState)
	}
	return nil
}

// Eligible reports whether the policy currently earns rewards.
func (s *Staking) Eligible(id policy.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.eligible[id]
	return ok
}

// EligiblePolicies returns eligible policy ids in ascending order.
func (s *Staking) EligiblePolicies() []policy.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]policy.ID, 0, len(s.eligible))
	for id := range s.eligible {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
