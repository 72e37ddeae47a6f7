package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/flowguard/internal/catalog"
)

// ErrCodeCatalog is the CLI error code for a catalog that does not compile.
const ErrCodeCatalog = "E002"

// CatalogEntry is one accepted coverage type in validate output.
type CatalogEntry struct {
	Type                string   `json:"type"`
	MinAmount           int64    `json:"min_amount"`
	MaxAmount           int64    `json:"max_amount,omitempty"`
	MinRequiredFlowRate int64    `json:"min_required_flow_rate"`
	Underwriters        []string `json:"underwriters,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool           `json:"valid"`
	Entries []CatalogEntry `json:"entries,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <catalog.cue>",
		Short: "Validate a coverage catalog",
		Long: `Compile a CUE coverage catalog against the catalog schema and list the
coverage types it accepts. Errors carry the file position.

Exit codes:
  0 - Catalog is valid
  1 - Catalog does not compile
  2 - Command error (file not found, etc.)

Example:
  flowguard validate ./catalog.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	formatter.VerboseLog("Compiling catalog %s", path)

	cat, err := catalog.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError, "catalog not found", err)
	}
	if err != nil {
		var details map[string]any
		var cerr *catalog.CompileError
		if errors.As(err, &cerr) && cerr.Pos.IsValid() {
			details = map[string]any{
				"file":   cerr.Pos.Filename(),
				"line":   cerr.Pos.Line(),
				"column": cerr.Pos.Column(),
				"field":  cerr.Field,
			}
		}
		if outErr := formatter.Error(ErrCodeCatalog, err.Error(), details); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "catalog is invalid", err)
	}

	result := ValidationResult{Valid: true}
	for _, t := range cat.Types() {
		e, _ := cat.Lookup(t)
		result.Entries = append(result.Entries, CatalogEntry{
			Type:                e.Type,
			MinAmount:           e.MinAmount,
			MaxAmount:           e.MaxAmount,
			MinRequiredFlowRate: int64(e.MinRequiredFlowRate),
			Underwriters:        e.Underwriters,
		})
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("Catalog valid: %s", strings.Join(cat.Types(), ", ")))
}
