package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowguard/internal/policy"
)

const strictCatalog = `
coverage: {
	car: {
		min_amount:             100
		max_amount:             5000
		min_required_flow_rate: 10
		underwriters: ["AXA", "AIA"]
	}
	HOME: {}
}
`

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{"CAR", "HEALTH", "HOME", "TRAVEL"}, c.Types())

	err := c.Check(policy.Coverage{Type: "CAR", Amount: 10000, UnderwriterRef: "AIA"}, 69)
	assert.NoError(t, err)
}

func TestLoad_Entries(t *testing.T) {
	c, err := Load([]byte(strictCatalog), "strict.cue")
	require.NoError(t, err)

	assert.Equal(t, []string{"CAR", "HOME"}, c.Types())

	car, ok := c.Lookup("Car")
	require.True(t, ok)
	assert.Equal(t, int64(100), car.MinAmount)
	assert.Equal(t, int64(5000), car.MaxAmount)
	assert.Equal(t, policy.Rate(10), car.MinRequiredFlowRate)
	assert.Equal(t, []string{"AIA", "AXA"}, car.Underwriters)

	home, ok := c.Lookup("home")
	require.True(t, ok)
	assert.Equal(t, int64(1), home.MinAmount, "default min_amount")
	assert.Zero(t, home.MaxAmount)
	assert.Empty(t, home.Underwriters)
}

func TestCheck(t *testing.T) {
	c, err := Load([]byte(strictCatalog), "strict.cue")
	require.NoError(t, err)

	tests := []struct {
		name    string
		cov     policy.Coverage
		rate    policy.Rate
		wantErr bool
	}{
		{"ok", policy.Coverage{Type: "CAR", Amount: 1000, UnderwriterRef: "AXA"}, 10, false},
		{"unknown type", policy.Coverage{Type: "BOAT", Amount: 1000, UnderwriterRef: "AXA"}, 10, true},
		{"below min amount", policy.Coverage{Type: "CAR", Amount: 99, UnderwriterRef: "AXA"}, 10, true},
		{"above max amount", policy.Coverage{Type: "CAR", Amount: 5001, UnderwriterRef: "AXA"}, 10, true},
		{"rate below floor", policy.Coverage{Type: "CAR", Amount: 1000, UnderwriterRef: "AXA"}, 9, true},
		{"underwriter not listed", policy.Coverage{Type: "CAR", Amount: 1000, UnderwriterRef: "ACME"}, 10, true},
		{"open entry", policy.Coverage{Type: "HOME", Amount: 1, UnderwriterRef: "ACME"}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Check(tt.cov, tt.rate)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrNotAllowed))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", `coverage: {`},
		{"unknown field", `coverage: CAR: {deductible: 5}`},
		{"negative amount", `coverage: CAR: {min_amount: -1}`},
		{"max below min", `coverage: CAR: {min_amount: 10, max_amount: 5}`},
		{"case collision", `coverage: {CAR: {}, car: {}}`},
		{"empty", `coverage: {}`},
		{"missing", `other: 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.src), "bad.cue")
			require.Error(t, err)
		})
	}
}

func TestLoad_ErrorPosition(t *testing.T) {
	_, err := Load([]byte("coverage: CAR: {\n\tmin_amount: \"lots\"\n}\n"), "pos.cue")
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "cue", ce.Field)
	assert.Contains(t, err.Error(), ".cue:")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.cue")
	require.NoError(t, os.WriteFile(path, []byte(strictCatalog), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, c.Types(), 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
