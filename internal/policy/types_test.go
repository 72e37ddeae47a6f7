package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccount(t *testing.T) {
	a, err := ParseAccount("  0xAbCd ")
	require.NoError(t, err)
	assert.Equal(t, Account("0xabcd"), a)

	_, err = ParseAccount("   ")
	assert.ErrorIs(t, err, ErrEmptyAccount)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)

	for _, bad := range []string{"", "0", "-1", "abc"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestStateText(t *testing.T) {
	assert.Equal(t, "ACTIVE", Active.String())
	assert.Equal(t, "INACTIVE", Inactive.String())

	b, err := json.Marshal(map[string]State{"s": Active})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"ACTIVE"}`, string(b))

	var out map[string]State
	require.NoError(t, json.Unmarshal([]byte(`{"s":"inactive"}`), &out))
	assert.Equal(t, Inactive, out["s"])

	_, err = ParseState("PAUSED")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCoverageValidate(t *testing.T) {
	valid := Coverage{Type: "CAR", Amount: 100, UnderwriterRef: "AIA"}
	require.NoError(t, valid.Validate())

	require.NoError(t, Coverage{Type: "CAR", Amount: 100}.Validate(), "underwriter is optional")

	tests := []struct {
		name string
		mod  func(*Coverage)
		want error
	}{
		{"empty type", func(c *Coverage) { c.Type = " " }, ErrEmptyCoverageType},
		{"zero amount", func(c *Coverage) { c.Amount = 0 }, ErrNonPositiveAmount},
		{"negative amount", func(c *Coverage) { c.Amount = -5 }, ErrNonPositiveAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mod(&c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}
}

func TestNormalizeCoverageType(t *testing.T) {
	assert.Equal(t, "CAR", NormalizeCoverageType(" car "))
	assert.Equal(t, "HOME", NormalizeCoverageType("Home"))
}

func TestRecordClone(t *testing.T) {
	r := Record{ID: 1, Coverage: Coverage{Terms: map[string]string{"k": "v"}}}
	c := r.Clone()
	c.Coverage.Terms["k"] = "changed"
	assert.Equal(t, "v", r.Coverage.Terms["k"])
}
