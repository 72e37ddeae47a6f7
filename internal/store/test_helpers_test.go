package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/flowguard/internal/policy"
)

// createTestStore opens a SQLite store in a temp dir.
func createTestStore(t *testing.T) *SQL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every Store implementation under test.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"sqlite": createTestStore(t),
		"memory": NewMemory(),
	}
}

func testRecord(owner string, required policy.Rate) policy.Record {
	return policy.Record{
		Owner:  policy.Account(owner),
		Minter: policy.Account(owner),
		Coverage: policy.Coverage{
			Type:           "CAR",
			Amount:         100,
			UnderwriterRef: "AIA",
		},
		RequiredFlowRate: required,
		State:            policy.Inactive,
	}
}

// mintTestPolicy inserts rec with a fresh id and a minted event.
func mintTestPolicy(t *testing.T, s Store, rec policy.Record) policy.Record {
	t.Helper()
	ctx := context.Background()
	err := s.Update(ctx, func(tx Tx) error {
		id, err := tx.NextID(ctx)
		if err != nil {
			return err
		}
		seq, err := tx.NextSeq(ctx)
		if err != nil {
			return err
		}
		rec.ID = id
		rec.CreatedSeq = seq
		rec.LastEvaluatedSeq = seq
		if err := tx.Insert(ctx, rec); err != nil {
			return err
		}
		ev, err := policy.NewEvent(policy.EventMinted, id, rec.Owner, seq, "", policy.Fields{
			"required_flow_rate": rec.RequiredFlowRate,
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	require.NoError(t, err)
	return rec
}
