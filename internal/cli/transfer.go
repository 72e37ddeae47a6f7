package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/flowguard/internal/policy"
)

// TransferResult is the transfer command's JSON payload.
type TransferResult struct {
	PolicyID policy.ID      `json:"policy_id"`
	Owner    policy.Account `json:"owner"`
	State    policy.State   `json:"state"`
}

// NewTransferCommand creates the transfer command.
func NewTransferCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <policy-id> <from> <to>",
		Short: "Transfer a policy to another account",
		Long: `Move a policy from its current owner to another account.

The activation state is not re-evaluated and no link is notified; the next
notification for the new owner's stream decides the state.

Example:
  flowguard transfer 1 0xa11ce 0xb0b`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(rootOpts, args, cmd)
		},
	}
}

func runTransfer(opts *RootOptions, args []string, cmd *cobra.Command) error {
	id, err := policy.ParseID(args[0])
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

	if err := a.engine.TransferOwnership(ctx, id, policy.Account(args[1]), policy.Account(args[2])); err != nil {
		return formatter.Fail("transfer failed", err, nil)
	}
	rec, err := a.engine.GetPolicy(ctx, id)
	if err != nil {
		return formatter.Fail("transfer failed", err, nil)
	}

	if opts.Format == "json" {
		return formatter.Success(TransferResult{PolicyID: rec.ID, Owner: rec.Owner, State: rec.State})
	}
	return formatter.Success(fmt.Sprintf("Policy %d now owned by %s (%s)", rec.ID, rec.Owner, rec.State))
}
