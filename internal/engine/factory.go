package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
)

// MintRequest carries the parameters of a new policy. Terms holds any
// auxiliary descriptors; the engine stores them verbatim.
type MintRequest struct {
	Owner            policy.Account
	CoverageType     string
	CoverageAmount   int64
	UnderwriterRef   string
	RequiredFlowRate policy.Rate
	Terms            map[string]string
}

func (r MintRequest) record() (policy.Record, error) {
	owner, err := policy.ParseAccount(string(r.Owner))
	if err != nil {
		return policy.Record{}, err
	}
	cov := policy.Coverage{
		Type:           policy.NormalizeCoverageType(r.CoverageType),
		Amount:         r.CoverageAmount,
		UnderwriterRef: strings.TrimSpace(r.UnderwriterRef),
	}
	if len(r.Terms) > 0 {
		cov.Terms = make(map[string]string, len(r.Terms))
		for k, v := range r.Terms {
			if strings.TrimSpace(k) == "" {
				return policy.Record{}, fmt.Errorf("empty term name")
			}
			cov.Terms[k] = v
		}
	}
	if err := cov.Validate(); err != nil {
		return policy.Record{}, err
	}
	if r.RequiredFlowRate <= 0 {
		return policy.Record{}, policy.ErrNonPositiveRate
	}
	return policy.Record{
		Owner:            owner,
		Minter:           owner,
		Coverage:         cov,
		RequiredFlowRate: r.RequiredFlowRate,
		State:            policy.Inactive,
	}, nil
}

// Mint validates req and creates an INACTIVE policy owned by req.Owner.
// The record and its policy.minted event are written atomically. Links are
// not told: nothing is active yet.
func (e *Engine) Mint(ctx context.Context, req MintRequest) (policy.ID, error) {
	rec, err := req.record()
	if err != nil {
		return 0, invalidCoverage(err)
	}
	if e.catalog != nil {
		if err := e.catalog.Check(rec.Coverage, rec.RequiredFlowRate); err != nil {
			return 0, invalidCoverage(err)
		}
	}

	correlation := e.correlation.Generate()
	err = e.store.Update(ctx, func(tx store.Tx) error {
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
		ev, err := policy.NewEvent(policy.EventMinted, id, rec.Owner, seq, correlation, policy.Fields{
			"minter":             rec.Minter,
			"coverage_type":      rec.Coverage.Type,
			"coverage_amount":    rec.Coverage.Amount,
			"underwriter_ref":    rec.Coverage.UnderwriterRef,
			"required_flow_rate": rec.RequiredFlowRate,
			"terms":              termsField(rec.Coverage.Terms),
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return 0, fmt.Errorf("mint policy: %w", err)
	}

	e.metrics.Minted()
	e.logger.Info("policy minted",
		"policy_id", rec.ID,
		"owner", rec.Owner,
		"coverage_type", rec.Coverage.Type,
		"required_flow_rate", rec.RequiredFlowRate,
		"correlation", correlation,
	)
	return rec.ID, nil
}

func termsField(terms map[string]string) map[string]string {
	if terms == nil {
		return map[string]string{}
	}
	return terms
}
