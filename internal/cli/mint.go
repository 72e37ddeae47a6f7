package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/policy"
)

// MintOptions holds flags for the mint command.
type MintOptions struct {
	*RootOptions
	CoverageType   string
	CoverageAmount int64
	Underwriter    string
	RequiredRate   int64
	Terms          map[string]string
}

// MintResult is the mint command's JSON payload.
type MintResult struct {
	PolicyID policy.ID      `json:"policy_id"`
	Owner    policy.Account `json:"owner"`
	State    policy.State   `json:"state"`
}

// NewMintCommand creates the mint command.
func NewMintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mint <owner>",
		Short: "Mint a new inactive policy",
		Long: `Mint a policy for owner. New policies are INACTIVE until the owner's
stream is next evaluated.

Example:
  flowguard mint 0xa11ce --type CAR --amount 1000 --underwriter uw-1 --rate 50
  flowguard mint 0xa11ce --type HOME --amount 5000 --underwriter uw-2 --rate 100 --term deductible=500`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMint(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.CoverageType, "type", "", "coverage type (required)")
	cmd.Flags().Int64Var(&opts.CoverageAmount, "amount", 0, "coverage amount (required)")
	cmd.Flags().StringVar(&opts.Underwriter, "underwriter", "", "underwriter reference")
	cmd.Flags().Int64Var(&opts.RequiredRate, "rate", 0, "required flow rate per second (required)")
	cmd.Flags().StringToStringVar(&opts.Terms, "term", nil, "auxiliary coverage term key=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("rate")

	return cmd
}

func runMint(opts *MintOptions, owner string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.engine.Mint(ctx, engine.MintRequest{
		Owner:            policy.Account(owner),
		CoverageType:     opts.CoverageType,
		CoverageAmount:   opts.CoverageAmount,
		UnderwriterRef:   opts.Underwriter,
		RequiredFlowRate: policy.Rate(opts.RequiredRate),
		Terms:            opts.Terms,
	})
	if err != nil {
		return formatter.Fail("mint failed", err, nil)
	}

	rec, err := a.engine.GetPolicy(ctx, id)
	if err != nil {
		return formatter.Fail("mint failed", err, nil)
	}

	if opts.Format == "json" {
		return formatter.Success(MintResult{PolicyID: rec.ID, Owner: rec.Owner, State: rec.State})
	}
	return formatter.Success(fmt.Sprintf("Minted policy %d for %s (%s)", rec.ID, rec.Owner, rec.State))
}
