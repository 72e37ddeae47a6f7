package engine

import (
	"context"
	"fmt"

	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/policy"
)

// ReconcileReport summarises one Reconcile pass.
type ReconcileReport struct {
	Outcomes []*Outcome
	Failures map[policy.Account]error
}

// Reconcile asks the gateway for every owner's current net flow and
// evaluates their policies as if an update had arrived. It repairs state
// after missed notifications. Per-owner failures are collected, not
// returned; the error is only for failures that stop the whole pass.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	if e.gateway == nil {
		return nil, ErrNoGateway
	}
	owners, err := e.store.Owners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}

	report := &ReconcileReport{Failures: make(map[policy.Account]error)}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		rate, err := e.gateway.NetFlowRate(ctx, owner)
		if err != nil {
			report.Failures[owner] = fmt.Errorf("query net flow: %w", err)
			e.logger.Warn("reconcile could not query net flow", "owner", owner, "error", err)
			continue
		}

		out, err := e.onFlowChanged(ctx, ledger.Updated, owner, rate)
		if err != nil {
			// Everything was transferred away since Owners ran.
			if IsUnknownPolicy(err) {
				continue
			}
			report.Failures[owner] = err
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	e.logger.Info("reconcile finished",
		"owners", len(owners),
		"failures", len(report.Failures),
	)
	return report, nil
}
