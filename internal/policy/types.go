package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrEmptyAccount is returned when an account identity is blank.
	ErrEmptyAccount = errors.New("policy: account must not be empty")
	// ErrEmptyCoverageType is returned when a coverage descriptor has no type.
	ErrEmptyCoverageType = errors.New("policy: coverage type must not be empty")
	// ErrNonPositiveAmount is returned when the coverage amount is zero or negative.
	ErrNonPositiveAmount = errors.New("policy: coverage amount must be positive")
	// ErrNonPositiveRate is returned when the required flow rate is zero or negative.
	ErrNonPositiveRate = errors.New("policy: required flow rate must be positive")
	// ErrInvalidState is returned when an activation state cannot be parsed.
	ErrInvalidState = errors.New("policy: invalid activation state")
)

// ID identifies a policy. IDs start at 1 and are never reused.
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses a decimal policy ID.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("policy: invalid id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("policy: invalid id %q: must be positive", s)
	}
	return ID(n), nil
}

// Account is an opaque holder identity, typically a hex address.
// Accounts are compared case-insensitively, so they are stored lower-cased.
type Account string

// ParseAccount trims and lower-cases s.
func ParseAccount(s string) (Account, error) {
	a := Account(strings.ToLower(strings.TrimSpace(s)))
	if a == "" {
		return "", ErrEmptyAccount
	}
	return a, nil
}

// MustAccount is like ParseAccount but panics on error.
// Use only in tests or with constant input.
func MustAccount(s string) Account {
	a, err := ParseAccount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Rate is a signed amount per second as reported by the streaming ledger.
// Net flow into the engine is positive.
type Rate int64

// State is the derived activation state of a policy.
type State int

const (
	// Inactive is the initial state and the state after any insufficient flow.
	Inactive State = iota
	// Active means the owner sustains at least the required rate.
	Active
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Active:
		return "ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState parses the String form of a State.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INACTIVE":
		return Inactive, nil
	case "ACTIVE":
		return Active, nil
	default:
		return Inactive, fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s != Inactive && s != Active {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Coverage holds the descriptive terms of a policy. The activation engine
// stores them and never interprets them.
type Coverage struct {
	Type           string            `json:"coverage_type"`
	Amount         int64             `json:"coverage_amount"`
	UnderwriterRef string            `json:"underwriter_ref"`
	Terms          map[string]string `json:"terms,omitempty"`
}

var upper = cases.Upper(language.Und)

// NormalizeCoverageType trims and upper-cases a coverage type so that
// "car" and "CAR" name the same coverage.
func NormalizeCoverageType(t string) string {
	return upper.String(strings.TrimSpace(t))
}

// Validate checks the coverage descriptors. The underwriter reference is
// opaque and may be empty.
func (c Coverage) Validate() error {
	if strings.TrimSpace(c.Type) == "" {
		return ErrEmptyCoverageType
	}
	if c.Amount <= 0 {
		return ErrNonPositiveAmount
	}
	return nil
}

// Record is the durable state of one policy.
//
// State is derived: it is only ever written from an evaluation of
// RequiredFlowRate against the owner's observed flow.
type Record struct {
	ID                   ID       `json:"id"`
	Owner                Account  `json:"owner"`
	Minter               Account  `json:"minter"`
	Coverage             Coverage `json:"coverage"`
	RequiredFlowRate     Rate     `json:"required_flow_rate"`
	State                State    `json:"activation_state"`
	LastObservedFlowRate Rate     `json:"last_observed_flow_rate"`
	LastEvaluatedSeq     int64    `json:"last_evaluated_seq"`
	CreatedSeq           int64    `json:"created_seq"`
}

// Active reports whether the record is in the Active state.
func (r Record) Active() bool {
	return r.State == Active
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Coverage.Terms != nil {
		out.Coverage.Terms = make(map[string]string, len(r.Coverage.Terms))
		for k, v := range r.Coverage.Terms {
			out.Coverage.Terms[k] = v
		}
	}
	return out
}
