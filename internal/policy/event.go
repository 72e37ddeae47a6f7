package policy

import (
	"encoding/json"
	"fmt"
)

// EventKind names what happened to a policy.
type EventKind string

const (
	EventMinted      EventKind = "policy.minted"
	EventActivated   EventKind = "policy.activated"
	EventDeactivated EventKind = "policy.deactivated"
	EventTransferred EventKind = "policy.transferred"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventMinted, EventActivated, EventDeactivated, EventTransferred:
		return true
	}
	return false
}

// TransitionKind returns the event kind recorded when a policy enters s.
func TransitionKind(s State) EventKind {
	if s == Active {
		return EventActivated
	}
	return EventDeactivated
}

// Fields is the payload of an event before canonicalisation.
type Fields map[string]any

// Event is one entry of the append-only policy log.
type Event struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Kind        EventKind       `json:"kind"`
	PolicyID    ID              `json:"policy_id"`
	Owner       Account         `json:"owner"`
	Correlation string          `json:"correlation,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEvent canonicalises fields and derives the event ID.
func NewEvent(kind EventKind, id ID, owner Account, seq int64, correlation string, fields Fields) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("policy: unknown event kind %q", kind)
	}
	if fields == nil {
		fields = Fields{}
	}
	payload, err := MarshalCanonical(map[string]any(fields))
	if err != nil {
		return Event{}, fmt.Errorf("policy: event payload: %w", err)
	}
	eventID, err := EventID(kind, id, owner, seq, payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          eventID,
		Seq:         seq,
		Kind:        kind,
		PolicyID:    id,
		Owner:       owner,
		Correlation: correlation,
		Payload:     payload,
	}, nil
}
