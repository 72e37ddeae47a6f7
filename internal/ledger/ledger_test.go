package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowguard/internal/policy"
)

func TestDecodeNotification(t *testing.T) {
	n, err := DecodeNotification(strings.NewReader(`{"kind":"Created","payer":" 0xABC ","flow_rate":70}`))
	require.NoError(t, err)
	assert.Equal(t, Notification{Kind: Created, Payer: "0xabc", FlowRate: 70}, n)
}

func TestDecodeNotificationTerminatedIgnoresRate(t *testing.T) {
	n, err := DecodeNotification(strings.NewReader(`{"kind":"terminated","payer":"0xabc","flow_rate":99}`))
	require.NoError(t, err)
	assert.Equal(t, policy.Rate(0), n.FlowRate)
}

func TestDecodeNotificationRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"unknown kind", `{"kind":"paused","payer":"0xabc"}`},
		{"empty payer", `{"kind":"created","payer":"","flow_rate":1}`},
		{"unknown field", `{"kind":"created","payer":"0xabc","flow_rate":1,"extra":true}`},
		{"float rate", `{"kind":"created","payer":"0xabc","flow_rate":1.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeNotification(strings.NewReader(tt.body))
			assert.ErrorIs(t, err, ErrInvalidNotification)
		})
	}
}
