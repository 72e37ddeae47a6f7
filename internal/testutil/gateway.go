package testutil

import (
	"context"
	"sync"

	"github.com/roach88/flowguard/internal/policy"
)

// StaticGateway reports preset net flow rates. Accounts without a rate
// report 0; accounts in Errs fail.
type StaticGateway struct {
	mu    sync.Mutex
	rates map[policy.Account]policy.Rate
	errs  map[policy.Account]error
}

// NewStaticGateway creates a gateway with the given rates.
func NewStaticGateway(rates map[policy.Account]policy.Rate) *StaticGateway {
	g := &StaticGateway{
		rates: make(map[policy.Account]policy.Rate, len(rates)),
		errs:  make(map[policy.Account]error),
	}
	for a, r := range rates {
		g.rates[a] = r
	}
	return g
}

// Set changes an account's rate.
func (g *StaticGateway) Set(account policy.Account, rate policy.Rate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rates[account] = rate
}

// Fail makes queries for account return err.
func (g *StaticGateway) Fail(account policy.Account, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[account] = err
}

func (g *StaticGateway) NetFlowRate(_ context.Context, account policy.Account) (policy.Rate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.errs[account]; ok {
		return 0, err
	}
	return g.rates[account], nil
}
