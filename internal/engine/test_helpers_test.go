package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/logging"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
	"github.com/roach88/flowguard/internal/testutil"
)

const (
	alice = policy.Account("0xa11ce")
	bob   = policy.Account("0xb0b")
)

// newTestEngine builds an engine over an in-memory store with a fixed
// correlation token and a silent logger.
func newTestEngine(t *testing.T, opts ...Option) (*Engine, store.Store) {
	t.Helper()
	return newTestEngineWithStore(t, store.NewMemory(), opts...)
}

func newTestEngineWithStore(t *testing.T, s store.Store, opts ...Option) (*Engine, store.Store) {
	t.Helper()
	base := []Option{
		WithLogger(logging.NewNop()),
		WithCorrelation(testutil.NewFixedCorrelation("c-test")),
	}
	return New(s, append(base, opts...)...), s
}

// createSQLiteStore opens a SQLite store in a temp dir.
func createSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mintFor(t *testing.T, e *Engine, owner policy.Account, required policy.Rate) policy.ID {
	t.Helper()
	id, err := e.Mint(context.Background(), MintRequest{
		Owner:            owner,
		CoverageType:     "CAR",
		CoverageAmount:   10000,
		UnderwriterRef:   "AIA",
		RequiredFlowRate: required,
	})
	require.NoError(t, err)
	return id
}

func requireActive(t *testing.T, e *Engine, id policy.ID, want bool) {
	t.Helper()
	active, err := e.IsActive(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, active, "policy %d active", id)
}

func changeStates(changes []links.ActivationChange) []policy.State {
	out := make([]policy.State, len(changes))
	for i, c := range changes {
		out[i] = c.State
	}
	return out
}
