// Package ledger is the boundary to the external streaming-payment ledger.
//
// The engine consumes two things from it: the net flow rate an account
// directs at the engine (Gateway) and lifecycle notifications for those
// flows (Notification, delivered to a Handler). HTTPGateway talks to a real
// ledger; Simulator is an in-process ledger used by the scenario harness
// and the CLI.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/flowguard/internal/policy"
)

// ErrInvalidNotification is returned when a notification cannot be decoded
// or fails validation.
var ErrInvalidNotification = errors.New("ledger: invalid notification")

// Gateway reports the current net flow rate from an account to the engine.
type Gateway interface {
	NetFlowRate(ctx context.Context, account policy.Account) (policy.Rate, error)
}

// Kind is the lifecycle stage a notification reports.
type Kind string

const (
	Created    Kind = "created"
	Updated    Kind = "updated"
	Terminated Kind = "terminated"
)

// ParseKind parses a notification kind case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Created, Updated, Terminated:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidNotification, s)
	}
}

// Notification is one ledger callback. FlowRate is ignored for Terminated.
type Notification struct {
	Kind     Kind           `json:"kind"`
	Payer    policy.Account `json:"payer"`
	FlowRate policy.Rate    `json:"flow_rate"`
}

// Validate normalises the payer and checks the kind.
func (n *Notification) Validate() error {
	kind, err := ParseKind(string(n.Kind))
	if err != nil {
		return err
	}
	payer, err := policy.ParseAccount(string(n.Payer))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	n.Kind = kind
	n.Payer = payer
	if kind == Terminated {
		n.FlowRate = 0
	}
	return nil
}

// DecodeNotification reads one JSON notification. Unknown fields are
// rejected.
func DecodeNotification(r io.Reader) (Notification, error) {
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	dec.DisallowUnknownFields()

	var n Notification
	if err := dec.Decode(&n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Handler consumes notifications. Implementations must never return an
// error for Terminated.
type Handler interface {
	HandleNotification(ctx context.Context, n Notification) error
}
