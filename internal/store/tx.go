package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/flowguard/internal/policy"
)

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) rebind(query string) string {
	return rebind(t.dialect, query)
}

func (t *sqlTx) next(ctx context.Context, counter string) (int64, error) {
	var value int64
	err := t.tx.QueryRowContext(ctx, t.rebind(`
		UPDATE counters SET value = value + 1
		WHERE name = ?
		RETURNING value
	`), counter).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", counter, err)
	}
	return value, nil
}

func (t *sqlTx) NextID(ctx context.Context) (policy.ID, error) {
	v, err := t.next(ctx, "policy")
	return policy.ID(v), err
}

func (t *sqlTx) NextSeq(ctx context.Context) (int64, error) {
	return t.next(ctx, "seq")
}

func (t *sqlTx) Get(ctx context.Context, id policy.ID) (policy.Record, error) {
	return getPolicy(ctx, t.tx, t.dialect, id)
}

// Insert writes a new policy. Unlike events, a duplicate id is an error.
func (t *sqlTx) Insert(ctx context.Context, rec policy.Record) error {
	terms, err := marshalTerms(rec.Coverage.Terms)
	if err != nil {
		return fmt.Errorf("write policy: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, t.rebind(`
		INSERT INTO policies
		(id, owner, minter, coverage_type, coverage_amount, underwriter_ref, terms,
		 required_flow_rate, activation_state, last_observed_flow_rate, last_evaluated_seq, created_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`),
		int64(rec.ID),
		string(rec.Owner),
		string(rec.Minter),
		rec.Coverage.Type,
		rec.Coverage.Amount,
		rec.Coverage.UnderwriterRef,
		terms,
		int64(rec.RequiredFlowRate),
		rec.State.String(),
		int64(rec.LastObservedFlowRate),
		rec.LastEvaluatedSeq,
		rec.CreatedSeq,
	)
	if err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("write policy %d: %w", rec.ID, ErrDuplicate)
	}
	return nil
}

func (t *sqlTx) UpdateEvaluation(ctx context.Context, rec policy.Record) error {
	res, err := t.tx.ExecContext(ctx, t.rebind(`
		UPDATE policies
		SET activation_state = ?, last_observed_flow_rate = ?, last_evaluated_seq = ?
		WHERE id = ? AND last_evaluated_seq < ?
	`),
		rec.State.String(),
		int64(rec.LastObservedFlowRate),
		rec.LastEvaluatedSeq,
		int64(rec.ID),
		rec.LastEvaluatedSeq,
	)
	if err != nil {
		return fmt.Errorf("update evaluation %d: %w", rec.ID, err)
	}
	return t.checkAffected(ctx, res, rec.ID, ErrStale)
}

func (t *sqlTx) UpdateOwner(ctx context.Context, id policy.ID, owner policy.Account) error {
	res, err := t.tx.ExecContext(ctx, t.rebind(`
		UPDATE policies SET owner = ? WHERE id = ?
	`), string(owner), int64(id))
	if err != nil {
		return fmt.Errorf("update owner %d: %w", id, err)
	}
	return t.checkAffected(ctx, res, id, ErrNotFound)
}

// checkAffected maps a zero-row update to ErrNotFound when the row is
// missing and to the given error when it exists.
func (t *sqlTx) checkAffected(ctx context.Context, res sql.Result, id policy.ID, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("policy %d: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("policy %d: %w", id, otherwise)
}

func (t *sqlTx) AppendEvent(ctx context.Context, ev policy.Event) error {
	_, err := t.tx.ExecContext(ctx, t.rebind(`
		INSERT INTO policy_events
		(id, seq, kind, policy_id, owner, correlation, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`),
		ev.ID,
		ev.Seq,
		string(ev.Kind),
		int64(ev.PolicyID),
		string(ev.Owner),
		ev.Correlation,
		string(ev.Payload),
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
