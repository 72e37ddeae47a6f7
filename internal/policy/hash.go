package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for an algorithm change.
const (
	DomainEvent = "flowguard/event/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed ID of an event. It is stable across
// restarts and replays given the same inputs. The correlation ID is excluded:
// it identifies the notification, not what happened to the policy.
func EventID(kind EventKind, id ID, owner Account, seq int64, payload []byte) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"kind":      string(kind),
		"policy_id": id,
		"owner":     owner,
		"seq":       seq,
		"payload":   string(payload),
	})
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}
