// Package catalog loads the CUE catalog of coverage types a deployment
// accepts and checks mint requests against it.
//
// A catalog file declares entries under `coverage`, keyed by type:
//
//	coverage: CAR: {
//		min_amount:             1
//		max_amount:             1000000
//		min_required_flow_rate: 10
//		underwriters: ["AIA", "AXA"]
//	}
//
// Keys are case-insensitive. The embedded default catalog accepts CAR,
// HOME, HEALTH and TRAVEL with no further bounds.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/flowguard/internal/policy"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.cue
var defaultCUE string

// ErrNotAllowed is wrapped by every Check failure.
var ErrNotAllowed = errors.New("catalog: coverage not allowed")

// Entry is the compiled rule for one coverage type.
type Entry struct {
	Type                string
	MinAmount           int64
	MaxAmount           int64 // 0 means unbounded
	MinRequiredFlowRate policy.Rate
	Underwriters        []string // empty means any
}

// Catalog is an immutable set of entries.
type Catalog struct {
	entries map[string]Entry
}

// CompileError reports a catalog problem with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Load([]byte(defaultCUE), "default.cue")
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return c
}

// LoadFile reads and compiles a catalog file.
func LoadFile(path string) (*Catalog, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Load(src, path)
}

// Load compiles src against the catalog schema.
func Load(src []byte, filename string) (*Catalog, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	data := ctx.CompileBytes(src, cue.Filename(filename))
	if err := data.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.Unify(data)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	coverage := v.LookupPath(cue.ParsePath("coverage"))
	if !coverage.Exists() {
		return nil, &CompileError{
			Field:   "coverage",
			Message: "coverage is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := coverage.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	c := &Catalog{entries: make(map[string]Entry)}
	for iter.Next() {
		entry, err := compileEntry(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		if _, dup := c.entries[entry.Type]; dup {
			return nil, &CompileError{
				Field:   "coverage." + iter.Label(),
				Message: fmt.Sprintf("duplicate coverage type %s (keys are case-insensitive)", entry.Type),
				Pos:     iter.Value().Pos(),
			}
		}
		c.entries[entry.Type] = entry
	}

	if len(c.entries) == 0 {
		return nil, &CompileError{
			Field:   "coverage",
			Message: "at least one coverage type is required",
			Pos:     coverage.Pos(),
		}
	}
	return c, nil
}

func compileEntry(label string, v cue.Value) (Entry, error) {
	field := "coverage." + label
	e := Entry{Type: policy.NormalizeCoverageType(label)}
	if e.Type == "" {
		return Entry{}, &CompileError{Field: field, Message: "coverage type must not be empty", Pos: v.Pos()}
	}

	var err error
	if e.MinAmount, _, err = optionalInt(v, "min_amount"); err != nil {
		return Entry{}, err
	}
	if e.MaxAmount, _, err = optionalInt(v, "max_amount"); err != nil {
		return Entry{}, err
	}
	if e.MaxAmount != 0 && e.MaxAmount < e.MinAmount {
		return Entry{}, &CompileError{
			Field:   field + ".max_amount",
			Message: fmt.Sprintf("max_amount %d is below min_amount %d", e.MaxAmount, e.MinAmount),
			Pos:     v.Pos(),
		}
	}
	rate, _, err := optionalInt(v, "min_required_flow_rate")
	if err != nil {
		return Entry{}, err
	}
	e.MinRequiredFlowRate = policy.Rate(rate)

	uw := v.LookupPath(cue.ParsePath("underwriters"))
	if uw.Exists() && uw.IsConcrete() {
		list, err := uw.List()
		if err != nil {
			return Entry{}, formatCUEError(err)
		}
		for list.Next() {
			s, err := list.Value().String()
			if err != nil {
				return Entry{}, formatCUEError(err)
			}
			e.Underwriters = append(e.Underwriters, s)
		}
		sort.Strings(e.Underwriters)
	}
	return e, nil
}

// optionalInt reads an integer field, resolving defaults. Missing or
// non-concrete fields read as 0.
func optionalInt(v cue.Value, path string) (int64, bool, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return 0, false, nil
	}
	if d, ok := f.Default(); ok {
		f = d
	}
	if !f.IsConcrete() {
		return 0, false, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, false, formatCUEError(err)
	}
	return n, true, nil
}

// Types returns the accepted coverage types in ascending order.
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.entries))
	for t := range c.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Lookup returns the entry for a coverage type.
func (c *Catalog) Lookup(coverageType string) (Entry, bool) {
	e, ok := c.entries[policy.NormalizeCoverageType(coverageType)]
	return e, ok
}

// Check validates a coverage and required rate against the catalog.
// Basic shape (non-empty, positive) is policy.Coverage.Validate's job.
func (c *Catalog) Check(cov policy.Coverage, required policy.Rate) error {
	e, ok := c.Lookup(cov.Type)
	if !ok {
		return fmt.Errorf("%w: unknown coverage type %q", ErrNotAllowed, cov.Type)
	}
	if cov.Amount < e.MinAmount {
		return fmt.Errorf("%w: %s amount %d below minimum %d", ErrNotAllowed, e.Type, cov.Amount, e.MinAmount)
	}
	if e.MaxAmount > 0 && cov.Amount > e.MaxAmount {
		return fmt.Errorf("%w: %s amount %d above maximum %d", ErrNotAllowed, e.Type, cov.Amount, e.MaxAmount)
	}
	if required < e.MinRequiredFlowRate {
		return fmt.Errorf("%w: %s required flow rate %d below minimum %d", ErrNotAllowed, e.Type, required, e.MinRequiredFlowRate)
	}
	if len(e.Underwriters) > 0 && !slices.Contains(e.Underwriters, cov.UnderwriterRef) {
		return fmt.Errorf("%w: underwriter %q does not write %s", ErrNotAllowed, cov.UnderwriterRef, e.Type)
	}
	return nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := cueerrors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
