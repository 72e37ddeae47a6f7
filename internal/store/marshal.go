package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/flowguard/internal/policy"
)

// marshalTerms serialises auxiliary coverage terms to canonical JSON.
// A nil map is stored as {}.
func marshalTerms(terms map[string]string) (string, error) {
	if terms == nil {
		return "{}", nil
	}
	b, err := policy.MarshalCanonical(terms)
	if err != nil {
		return "", fmt.Errorf("marshal terms: %w", err)
	}
	return string(b), nil
}

// unmarshalTerms returns nil for an empty object so records round-trip.
func unmarshalTerms(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var terms map[string]string
	if err := json.Unmarshal([]byte(data), &terms); err != nil {
		return nil, fmt.Errorf("unmarshal terms: %w", err)
	}
	return terms, nil
}
