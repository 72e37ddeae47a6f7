package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/flowguard/internal/policy"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <policy-id>",
		Short: "Show one policy",
		Long: `Show a policy's coverage, owner and activation state.

Example:
  flowguard show 1
  flowguard show 1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, args[0], cmd)
		},
	}
}

func runShow(opts *RootOptions, arg string, cmd *cobra.Command) error {
	id, err := policy.ParseID(arg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid policy id", err)
	}

	ctx := commandContext(cmd)
	formatter := newFormatter(opts, cmd)
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.engine.GetPolicy(ctx, id)
	if err != nil {
		return formatter.Fail("show failed", err, nil)
	}
	if opts.Format == "json" {
		return formatter.Success(rec)
	}
	return formatter.Success(describe(rec))
}

// NewPoliciesCommand creates the policies command.
func NewPoliciesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policies <account>",
		Short: "List the policies an account owns",
		Long: `List every policy owned by account, lowest id first.

Example:
  flowguard policies 0xa11ce`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicies(rootOpts, args[0], cmd)
		},
	}
}

func runPolicies(opts *RootOptions, account string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts, cmd)
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.engine.PoliciesOf(ctx, policy.Account(account))
	if err != nil {
		return formatter.Fail("list failed", err, nil)
	}
	if opts.Format == "json" {
		if recs == nil {
			recs = []policy.Record{}
		}
		return formatter.Success(recs)
	}
	if len(recs) == 0 {
		return formatter.Success(fmt.Sprintf("%s owns no policies", strings.ToLower(strings.TrimSpace(account))))
	}
	lines := make([]string, len(recs))
	for i, rec := range recs {
		lines[i] = fmt.Sprintf("%d\t%s\t%s\trequired=%d", rec.ID, rec.Coverage.Type, rec.State, rec.RequiredFlowRate)
	}
	return formatter.Success(strings.Join(lines, "\n"))
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log <policy-id>",
		Short: "Print a policy's event log",
		Long: `Print the append-only event log of a policy in seq order: minted,
activated, deactivated and transferred events with their correlation tokens.

Example:
  flowguard log 1
  flowguard log 1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(rootOpts, args[0], cmd)
		},
	}
}

func runLog(opts *RootOptions, arg string, cmd *cobra.Command) error {
	id, err := policy.ParseID(arg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid policy id", err)
	}

	ctx := commandContext(cmd)
	formatter := newFormatter(opts, cmd)
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.engine.GetPolicy(ctx, id); err != nil {
		return formatter.Fail("log failed", err, nil)
	}
	events, err := a.engine.Events(ctx, id)
	if err != nil {
		return formatter.Fail("log failed", err, nil)
	}
	if opts.Format == "json" {
		return formatter.Success(events)
	}

	lines := make([]string, len(events))
	for i, ev := range events {
		lines[i] = fmt.Sprintf("%d\t%s\t%s\t%s\t%s", ev.Seq, ev.Kind, ev.Owner, ev.Correlation, ev.Payload)
	}
	return formatter.Success(strings.Join(lines, "\n"))
}

func describe(rec policy.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy %d\n", rec.ID)
	fmt.Fprintf(&b, "  owner:         %s\n", rec.Owner)
	fmt.Fprintf(&b, "  minter:        %s\n", rec.Minter)
	fmt.Fprintf(&b, "  coverage:      %s %d (%s)\n", rec.Coverage.Type, rec.Coverage.Amount, rec.Coverage.UnderwriterRef)
	for _, k := range sortedTerms(rec.Coverage.Terms) {
		fmt.Fprintf(&b, "  term:          %s=%s\n", k, rec.Coverage.Terms[k])
	}
	fmt.Fprintf(&b, "  required rate: %d\n", rec.RequiredFlowRate)
	fmt.Fprintf(&b, "  observed rate: %d\n", rec.LastObservedFlowRate)
	fmt.Fprintf(&b, "  state:         %s", rec.State)
	return b.String()
}

func sortedTerms(terms map[string]string) []string {
	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
