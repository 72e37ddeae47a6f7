package links

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/flowguard/internal/policy"
)

var (
	// ErrAlreadyHolder mirrors "Account already has governance token".
	ErrAlreadyHolder = errors.New("governance: account already has governance token")
	// ErrNotHolder mirrors "Account does not have governance token".
	ErrNotHolder = errors.New("governance: account does not have governance token")
)

// Governance is the governance-token registry. An account holds a token
// while at least one policy it held at activation time is active.
//
// AddHolder and RemoveHolder are strict; OnActivationChanged is the
// idempotent adapter the engine calls. Deactivation only revokes tokens
// that activation granted; a token added with AddHolder stays until
// RemoveHolder.
type Governance struct {
	mu      sync.Mutex
	holders map[policy.Account]struct{}
	active  map[policy.ID]policy.Account // active policy -> account credited
	perAcct map[policy.Account]int
	granted map[policy.Account]struct{} // holders whose token came from activation
	seen    seqTracker
}

var _ Link = (*Governance)(nil)

// NewGovernance returns an empty registry.
func NewGovernance() *Governance {
	return &Governance{
		holders: make(map[policy.Account]struct{}),
		active:  make(map[policy.ID]policy.Account),
		perAcct: make(map[policy.Account]int),
		granted: make(map[policy.Account]struct{}),
		seen:    make(seqTracker),
	}
}

// Name implements Link.
func (g *Governance) Name() string { return "governance" }

// AddHolder grants a governance token.
func (g *Governance) AddHolder(account policy.Account) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(account)
}

func (g *Governance) addLocked(account policy.Account) error {
	if _, ok := g.holders[account]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyHolder, account)
	}
	g.holders[account] = struct{}{}
	return nil
}

// RemoveHolder revokes a governance token.
func (g *Governance) RemoveHolder(account policy.Account) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(account)
}

func (g *Governance) removeLocked(account policy.Account) error {
	if _, ok := g.holders[account]; !ok {
		return fmt.Errorf("%w: %s", ErrNotHolder, account)
	}
	delete(g.holders, account)
	delete(g.granted, account)
	return nil
}

// IsHolder reports whether account holds a token.
func (g *Governance) IsHolder(account policy.Account) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.holders[account]
	return ok
}

// HolderCount returns the number of token holders.
func (g *Governance) HolderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.holders)
}

// Holders returns every holder in ascending order.
func (g *Governance) Holders() []policy.Account {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]policy.Account, 0, len(g.holders))
	for a := range g.holders {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// OnActivationChanged credits or debits the account that owned the policy
// when it activated. A policy transferred while active is debited from the
// original account on deactivation.
func (g *Governance) OnActivationChanged(_ context.Context, change ActivationChange) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.seen.admit(change) {
		return nil
	}

	switch change.State {
	case policy.Active:
		if _, ok := g.active[change.PolicyID]; ok {
			return nil
		}
		g.active[change.PolicyID] = change.Owner
		g.perAcct[change.Owner]++
		if g.perAcct[change.Owner] == 1 {
			if _, ok := g.holders[change.Owner]; !ok {
				g.granted[change.Owner] = struct{}{}
				return g.addLocked(change.Owner)
			}
		}
	case policy.Inactive:
		account, ok := g.active[change.PolicyID]
		if !ok {
			return nil
		}
		delete(g.active, change.PolicyID)
		g.perAcct[account]--
		if g.perAcct[account] <= 0 {
			delete(g.perAcct, account)
			if _, ok := g.granted[account]; ok {
				return g.removeLocked(account)
			}
		}
	default:
		return fmt.Errorf("governance: %w", policy.ErrInvalidState)
	}
	return nil
}
