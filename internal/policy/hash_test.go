package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDDeterminism(t *testing.T) {
	payload := []byte(`{"state":"ACTIVE"}`)

	id1, err := EventID(EventActivated, 1, "0xabc", 3, payload)
	require.NoError(t, err)
	id2, err := EventID(EventActivated, 1, "0xabc", 3, payload)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestEventIDChangesWithInput(t *testing.T) {
	payload := []byte(`{}`)
	base, err := EventID(EventActivated, 1, "0xabc", 3, payload)
	require.NoError(t, err)

	variants := []struct {
		name  string
		kind  EventKind
		id    ID
		owner Account
		seq   int64
		body  []byte
	}{
		{"kind", EventDeactivated, 1, "0xabc", 3, payload},
		{"policy", EventActivated, 2, "0xabc", 3, payload},
		{"owner", EventActivated, 1, "0xdef", 3, payload},
		{"seq", EventActivated, 1, "0xabc", 4, payload},
		{"payload", EventActivated, 1, "0xabc", 3, []byte(`{"x":1}`)},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			got, err := EventID(v.kind, v.id, v.owner, v.seq, v.body)
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte("same")
	assert.NotEqual(t, hashWithDomain("a", data), hashWithDomain("b", data))
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventActivated, 5, "0xabc", 9, "corr-1", Fields{
		"observed_flow_rate": Rate(70),
		"state":              Active,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"observed_flow_rate":70,"state":"ACTIVE"}`, string(ev.Payload))
	assert.Equal(t, int64(9), ev.Seq)
	assert.Equal(t, "corr-1", ev.Correlation)

	again, err := NewEvent(EventActivated, 5, "0xabc", 9, "corr-2", Fields{
		"state":              Active,
		"observed_flow_rate": Rate(70),
	})
	require.NoError(t, err)
	assert.Equal(t, ev.ID, again.ID, "correlation does not affect identity")
}

func TestNewEventRejectsUnknownKind(t *testing.T) {
	_, err := NewEvent("policy.exploded", 1, "0xabc", 1, "", nil)
	assert.Error(t, err)
}
