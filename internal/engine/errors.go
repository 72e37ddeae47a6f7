package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/flowguard/internal/policy"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeInvalidCoverage rejects a mint with malformed parameters.
	ErrCodeInvalidCoverage ErrorCode = "INVALID_COVERAGE_PARAMETERS"

	// ErrCodeUnknownPolicy means no policy has the id, or the payer owns none.
	ErrCodeUnknownPolicy ErrorCode = "UNKNOWN_POLICY"

	// ErrCodeDownstreamFailure means a link rejected a transition.
	ErrCodeDownstreamFailure ErrorCode = "DOWNSTREAM_NOTIFICATION_FAILURE"

	// ErrCodeConcurrentMutation means a policy could not be locked, or a
	// newer evaluation was already committed.
	ErrCodeConcurrentMutation ErrorCode = "CONCURRENT_MUTATION_CONFLICT"
)

var (
	// ErrNotOwner is returned when a transfer names the wrong current owner.
	ErrNotOwner = errors.New("engine: account does not own the policy")

	// ErrStopped is returned by Submit after the run loop has exited.
	ErrStopped = errors.New("engine: stopped")

	// ErrNoGateway is returned by Reconcile without a ledger gateway.
	ErrNoGateway = errors.New("engine: no ledger gateway configured")
)

// Error is the engine's structured error.
type Error struct {
	Code     ErrorCode
	Message  string
	PolicyID policy.ID      // zero when not about a single policy
	Payer    policy.Account // empty when not about a notification
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.PolicyID != 0 {
		msg += fmt.Sprintf(" (policy=%d)", e.PolicyID)
	}
	if e.Payer != "" {
		msg += fmt.Sprintf(" (payer=%s)", e.Payer)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsInvalidCoverage reports whether err is an InvalidCoverageParameters error.
func IsInvalidCoverage(err error) bool { return hasCode(err, ErrCodeInvalidCoverage) }

// IsUnknownPolicy reports whether err is an UnknownPolicy error.
func IsUnknownPolicy(err error) bool { return hasCode(err, ErrCodeUnknownPolicy) }

// IsDownstreamFailure reports whether err is a DownstreamNotificationFailure.
func IsDownstreamFailure(err error) bool { return hasCode(err, ErrCodeDownstreamFailure) }

// IsConcurrentMutation reports whether err is a ConcurrentMutationConflict.
func IsConcurrentMutation(err error) bool { return hasCode(err, ErrCodeConcurrentMutation) }

func invalidCoverage(err error) *Error {
	return &Error{Code: ErrCodeInvalidCoverage, Message: "invalid coverage parameters", Err: err}
}

func unknownPolicy(id policy.ID) *Error {
	return &Error{Code: ErrCodeUnknownPolicy, Message: "no such policy", PolicyID: id}
}

func unknownPayer(payer policy.Account) *Error {
	return &Error{Code: ErrCodeUnknownPolicy, Message: "payer owns no policy", Payer: payer}
}
