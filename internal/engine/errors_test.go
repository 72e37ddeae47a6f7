package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "policy",
			err:  unknownPolicy(7),
			want: "UNKNOWN_POLICY: no such policy (policy=7)",
		},
		{
			name: "payer",
			err:  unknownPayer("0xabc"),
			want: "UNKNOWN_POLICY: payer owns no policy (payer=0xabc)",
		},
		{
			name: "wrapped",
			err:  &Error{Code: ErrCodeDownstreamFailure, Message: "link rejected", PolicyID: 1, Payer: "0xabc", Err: errors.New("boom")},
			want: "DOWNSTREAM_NOTIFICATION_FAILURE: link rejected (policy=1) (payer=0xabc): boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Predicates(t *testing.T) {
	cause := errors.New("cause")
	wrapped := fmt.Errorf("outer: %w", invalidCoverage(cause))

	assert.True(t, IsInvalidCoverage(wrapped))
	assert.False(t, IsUnknownPolicy(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	assert.True(t, IsUnknownPolicy(unknownPolicy(1)))
	assert.True(t, IsDownstreamFailure(&Error{Code: ErrCodeDownstreamFailure}))
	assert.True(t, IsConcurrentMutation(&Error{Code: ErrCodeConcurrentMutation}))
	assert.False(t, IsConcurrentMutation(errors.New("plain")))
	assert.False(t, IsConcurrentMutation(nil))
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("c-1", "c-2")
	assert.Equal(t, "c-1", gen.Generate())
	assert.Equal(t, "c-2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	var gen UUIDv7Generator
	a, b := gen.Generate(), gen.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "UUIDv7 tokens sort by creation time")
}
