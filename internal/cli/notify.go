package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/policy"
)

// NewNotifyCommand creates the notify command.
func NewNotifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <created|updated|terminated> <payer> [flow-rate]",
		Short: "Deliver one stream notification to the engine",
		Long: `Deliver a stream notification as the ledger would and print the outcome.

created and updated need the payer's aggregate flow rate; terminated takes
none and never fails. A rejected created/updated notification exits 1 and
leaves every policy unchanged.

Example:
  flowguard notify created 0xa11ce 70
  flowguard notify terminated 0xa11ce --format json`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(rootOpts, args, cmd)
		},
	}
}

func runNotify(opts *RootOptions, args []string, cmd *cobra.Command) error {
	n, err := parseNotification(args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid notification", err)
	}

	ctx := commandContext(cmd)
	formatter := newFormatter(opts, cmd)
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.engine.Handle(ctx, n)
	if err != nil {
		return formatter.Fail(fmt.Sprintf("%s notification rejected", n.Kind), err, out)
	}
	return formatter.Notified(out, summarize(out))
}

func parseNotification(args []string) (ledger.Notification, error) {
	kind, err := ledger.ParseKind(args[0])
	if err != nil {
		return ledger.Notification{}, err
	}
	n := ledger.Notification{Kind: kind, Payer: policy.Account(args[1])}
	switch {
	case kind == ledger.Terminated && len(args) == 3:
		return ledger.Notification{}, fmt.Errorf("terminated takes no flow rate")
	case kind != ledger.Terminated && len(args) != 3:
		return ledger.Notification{}, fmt.Errorf("%s needs a flow rate", kind)
	case len(args) == 3:
		rate, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return ledger.Notification{}, fmt.Errorf("flow rate: %w", err)
		}
		n.FlowRate = policy.Rate(rate)
	}
	if err := n.Validate(); err != nil {
		return ledger.Notification{}, err
	}
	return n, nil
}

// summarize renders an outcome for text output.
func summarize(out *engine.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", out.Kind, out.Payer)
	if out.Kind != ledger.Terminated {
		fmt.Fprintf(&b, " at %d/s", out.FlowRate)
	}
	fmt.Fprintf(&b, " (correlation %s)", out.Correlation)
	if len(out.Evaluations) == 0 {
		b.WriteString("\n  no policies")
	}
	for _, ev := range out.Evaluations {
		if ev.Changed() {
			fmt.Fprintf(&b, "\n  policy %d: %s -> %s (required %d)", ev.PolicyID, ev.Previous, ev.Next, ev.Required)
		} else {
			fmt.Fprintf(&b, "\n  policy %d: %s (required %d)", ev.PolicyID, ev.Next, ev.Required)
		}
	}
	for _, d := range out.Downstream {
		fmt.Fprintf(&b, "\n  absorbed %s failure", d.Stage)
		if d.Link != "" {
			fmt.Fprintf(&b, " in %s", d.Link)
		}
		fmt.Fprintf(&b, ": %s", d.Message)
	}
	return b.String()
}
