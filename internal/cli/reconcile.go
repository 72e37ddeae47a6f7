package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/policy"
)

// ReconcileResult is the reconcile command's JSON payload.
type ReconcileResult struct {
	Outcomes []*engine.Outcome `json:"outcomes"`
	Failures map[string]string `json:"failures,omitempty"`
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-evaluate every owner against the ledger's net flow",
		Long: `Query the ledger for every policy owner's current net flow rate and
evaluate their policies as if an update had arrived. Repairs state after
missed notifications. Needs ledger.url and ledger.receiver in the config.

Exits 1 when any owner could not be reconciled.

Example:
  flowguard reconcile --config flowguard.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(rootOpts, cmd)
		},
	}
}

func runReconcile(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts, cmd)
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.Reconcile(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "reconcile failed", err)
	}

	result := ReconcileResult{Outcomes: report.Outcomes}
	if result.Outcomes == nil {
		result.Outcomes = []*engine.Outcome{}
	}
	owners := make([]policy.Account, 0, len(report.Failures))
	for owner := range report.Failures {
		owners = append(owners, owner)
	}
	slices.Sort(owners)
	if len(owners) > 0 {
		result.Failures = make(map[string]string, len(owners))
		for _, owner := range owners {
			result.Failures[string(owner)] = report.Failures[owner].Error()
		}
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		lines := []string{fmt.Sprintf("Reconciled %d owner(s)", len(report.Outcomes))}
		for _, out := range report.Outcomes {
			for _, ev := range out.Transitions() {
				lines = append(lines, fmt.Sprintf("  policy %d: %s -> %s", ev.PolicyID, ev.Previous, ev.Next))
			}
		}
		for _, owner := range owners {
			lines = append(lines, fmt.Sprintf("  %s failed: %s", owner, result.Failures[string(owner)]))
		}
		if err := formatter.Success(strings.Join(lines, "\n")); err != nil {
			return err
		}
	}

	if len(owners) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d owner(s) could not be reconciled", len(owners)))
	}
	return nil
}
