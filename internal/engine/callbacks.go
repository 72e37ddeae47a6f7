package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/flowguard/internal/activation"
	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/lock"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
	"github.com/roach88/flowguard/internal/telemetry"
)

// terminateAttempts bounds retries of a termination write that lost to a
// concurrent evaluation.
const terminateAttempts = 3

// HandleNotification implements ledger.Handler. It never returns an error
// for a terminated notification.
func (e *Engine) HandleNotification(ctx context.Context, n ledger.Notification) error {
	_, err := e.Handle(ctx, n)
	return err
}

// Handle dispatches a notification to the matching OnStream* method.
func (e *Engine) Handle(ctx context.Context, n ledger.Notification) (*Outcome, error) {
	kind, err := ledger.ParseKind(string(n.Kind))
	if err != nil {
		return nil, err
	}
	switch kind {
	case ledger.Created:
		return e.OnStreamCreated(ctx, n.Payer, n.FlowRate)
	case ledger.Updated:
		return e.OnStreamUpdated(ctx, n.Payer, n.FlowRate)
	default:
		return e.OnStreamTerminated(ctx, n.Payer), nil
	}
}

// OnStreamCreated evaluates every policy owned by payer against rate.
//
// Fails with UnknownPolicy when payer owns nothing and with
// DownstreamNotificationFailure when a link rejects a transition. In both
// cases nothing has been persisted.
func (e *Engine) OnStreamCreated(ctx context.Context, payer policy.Account, rate policy.Rate) (*Outcome, error) {
	return e.onFlowChanged(ctx, ledger.Created, payer, rate)
}

// OnStreamUpdated is OnStreamCreated for a rate change.
func (e *Engine) OnStreamUpdated(ctx context.Context, payer policy.Account, rate policy.Rate) (*Outcome, error) {
	return e.onFlowChanged(ctx, ledger.Updated, payer, rate)
}

func (e *Engine) onFlowChanged(ctx context.Context, kind ledger.Kind, payer policy.Account, rate policy.Rate) (out *Outcome, err error) {
	start := time.Now()
	out = &Outcome{Kind: kind, Payer: payer, FlowRate: rate}

	ctx, span := telemetry.StartSpan(ctx, "flowguard.stream."+string(kind), trace.SpanKindServer)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: panic handling %s for %s: %v", kind, payer, r)
			out.capture(StagePanic, 0, "", err)
			e.logger.Error("notification handler panicked", "kind", kind, "payer", payer, "error", err)
		}
		span.SetInt("evaluations", int64(len(out.Evaluations)))
		span.End(err)
		e.metrics.Notification(string(kind), resultLabel(err), time.Since(start))
	}()

	out.Correlation = e.correlation.Generate()
	span.SetAttributes(map[string]string{
		"payer":       string(payer),
		"correlation": out.Correlation,
	}).SetInt("flow_rate", int64(rate))

	account, perr := policy.ParseAccount(string(payer))
	if perr != nil {
		return out, unknownPayer(payer)
	}
	out.Payer = account

	if err := e.evaluatePayer(ctx, out, account, rate); err != nil {
		e.logger.Warn("notification rejected",
			"kind", kind,
			"payer", account,
			"flow_rate", rate,
			"correlation", out.Correlation,
			"error", err,
		)
		return out, err
	}
	return out, nil
}

// delivery is a change a link accepted before the commit.
type delivery struct {
	link     links.Link
	change   links.ActivationChange
	previous policy.State
	undoSeq  int64
}

func (e *Engine) evaluatePayer(ctx context.Context, out *Outcome, payer policy.Account, rate policy.Rate) error {
	owned, err := e.store.ListByOwner(ctx, payer)
	if err != nil {
		return fmt.Errorf("list policies of %s: %w", payer, err)
	}
	if len(owned) == 0 {
		return unknownPayer(payer)
	}

	unlock, err := lock.LockPolicies(ctx, e.locker, policyIDs(owned), e.lockTTL)
	if err != nil {
		return &Error{Code: ErrCodeConcurrentMutation, Message: "lock policies", Payer: payer, Err: err}
	}
	defer e.release(ctx, unlock)

	recs, err := e.reload(ctx, owned, payer)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return unknownPayer(payer)
	}

	// One seq per evaluation, then one per possible compensation. The
	// second batch is allocated later and so is always newer.
	seqs, err := e.reserveSeqs(ctx, 2*len(recs))
	if err != nil {
		return fmt.Errorf("reserve seq: %w", err)
	}
	evalSeqs, undoSeqs := seqs[:len(recs)], seqs[len(recs):]

	decisions := make([]activation.Decision, len(recs))
	for i, rec := range recs {
		decisions[i] = activation.Decide(rec, rate)
		out.Evaluations = append(out.Evaluations, evaluation(rec, decisions[i], evalSeqs[i]))
	}

	var delivered []delivery
	for i, rec := range recs {
		d := decisions[i]
		if !d.Changed() {
			continue
		}
		change := links.ActivationChange{
			PolicyID:    rec.ID,
			Owner:       rec.Owner,
			State:       d.Next,
			Seq:         evalSeqs[i],
			Correlation: out.Correlation,
		}
		for _, l := range e.links {
			if err := e.notify(ctx, l, change); err != nil {
				out.capture(StageLink, rec.ID, l.Name(), err)
				e.metrics.DownstreamFailure(l.Name(), string(out.Kind))
				e.logger.Warn("link rejected activation change",
					"link", l.Name(),
					"policy_id", rec.ID,
					"state", d.Next,
					"correlation", out.Correlation,
					"error", err,
				)
				continue
			}
			delivered = append(delivered, delivery{link: l, change: change, previous: d.Previous, undoSeq: undoSeqs[i]})
		}
	}

	if !out.Clean() {
		e.compensate(ctx, delivered)
		return &Error{
			Code:     ErrCodeDownstreamFailure,
			Message:  "link rejected activation change",
			PolicyID: out.Downstream[0].PolicyID,
			Payer:    payer,
			Err:      out.downstreamErr(),
		}
	}

	err = e.store.Update(ctx, func(tx store.Tx) error {
		for i, rec := range recs {
			if err := writeEvaluation(ctx, tx, rec, decisions[i], evalSeqs[i], out.Correlation); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.compensate(ctx, delivered)
		if errors.Is(err, store.ErrStale) {
			return &Error{Code: ErrCodeConcurrentMutation, Message: "newer evaluation already committed", Payer: payer, Err: err}
		}
		return fmt.Errorf("commit evaluations: %w", err)
	}

	out.Committed = true
	e.logTransitions(out)
	return nil
}

// OnStreamTerminated deactivates every policy owned by payer. It cannot
// fail: missing policies are a no-op, and lock, store, link and panic
// failures are captured on the returned Outcome and logged. The caller's
// cancellation is ignored so the acknowledgment is never cut short.
func (e *Engine) OnStreamTerminated(ctx context.Context, payer policy.Account) *Outcome {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)
	out := &Outcome{Kind: ledger.Terminated, Payer: payer}

	ctx, span := telemetry.StartSpan(ctx, "flowguard.stream.terminated", trace.SpanKindServer)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic: %v", r)
				out.capture(StagePanic, 0, "", err)
				e.logger.Error("termination handler panicked; acknowledging anyway", "payer", payer, "error", err)
			}
		}()
		e.terminate(ctx, out)
	}()

	span.SetAttributes(map[string]string{"payer": string(out.Payer), "correlation": out.Correlation}).
		SetInt("evaluations", int64(len(out.Evaluations))).
		SetInt("absorbed_failures", int64(len(out.Downstream)))
	span.End(nil)

	result := "ok"
	if !out.Clean() {
		result = "absorbed"
	}
	e.metrics.Notification(string(ledger.Terminated), result, time.Since(start))
	return out
}

func (e *Engine) terminate(ctx context.Context, out *Outcome) {
	out.Correlation = e.correlation.Generate()

	payer, err := policy.ParseAccount(string(out.Payer))
	if err != nil {
		e.logger.Warn("termination for invalid payer ignored", "payer", out.Payer, "error", err)
		return
	}
	out.Payer = payer

	owned, err := e.store.ListByOwner(ctx, payer)
	if err != nil {
		out.capture(StageStore, 0, "", err)
		e.logger.Error("termination could not list policies", "payer", payer, "error", err)
		return
	}
	if len(owned) == 0 {
		e.logger.Debug("termination for payer without policies", "payer", payer, "correlation", out.Correlation)
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTTL)
	unlock, err := lock.LockPolicies(lockCtx, e.locker, policyIDs(owned), e.lockTTL)
	cancel()
	if err != nil {
		out.capture(StageLock, 0, "", err)
		e.logger.Warn("termination proceeding without policy locks", "payer", payer, "error", err)
	} else {
		defer e.release(ctx, unlock)
	}

	var changes []links.ActivationChange
	for _, r := range owned {
		ev, ok, err := e.deactivate(ctx, r.ID, payer, out.Correlation)
		if err != nil {
			out.capture(StageStore, r.ID, "", err)
			e.logger.Error("termination could not deactivate policy",
				"policy_id", r.ID,
				"payer", payer,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		out.Evaluations = append(out.Evaluations, ev)
		if ev.Changed() {
			changes = append(changes, links.ActivationChange{
				PolicyID:    ev.PolicyID,
				Owner:       payer,
				State:       ev.Next,
				Seq:         ev.Seq,
				Correlation: out.Correlation,
			})
		}
	}
	out.Committed = len(out.Evaluations) > 0
	e.logTransitions(out)

	for _, change := range changes {
		for _, l := range e.links {
			if err := e.notify(ctx, l, change); err != nil {
				out.capture(StageLink, change.PolicyID, l.Name(), err)
				e.metrics.DownstreamFailure(l.Name(), string(ledger.Terminated))
				e.logger.Warn("link failed on termination; absorbed",
					"link", l.Name(),
					"policy_id", change.PolicyID,
					"correlation", out.Correlation,
					"error", err,
				)
			}
		}
	}
}

// deactivate commits a zero-rate evaluation for one policy. ok is false
// when the policy no longer belongs to payer.
func (e *Engine) deactivate(ctx context.Context, id policy.ID, payer policy.Account, correlation string) (ev Evaluation, ok bool, err error) {
	for i := 0; i < terminateAttempts; i++ {
		err = e.store.Update(ctx, func(tx store.Tx) error {
			rec, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			if rec.Owner != payer {
				ok = false
				return nil
			}
			seq, err := tx.NextSeq(ctx)
			if err != nil {
				return err
			}
			d := activation.Decide(rec, 0)
			ev, ok = evaluation(rec, d, seq), true
			return writeEvaluation(ctx, tx, rec, d, seq, correlation)
		})
		if !errors.Is(err, store.ErrStale) {
			return ev, ok && err == nil, err
		}
	}
	return Evaluation{}, false, fmt.Errorf("policy %d: %w", id, err)
}

func writeEvaluation(ctx context.Context, tx store.Tx, rec policy.Record, d activation.Decision, seq int64, correlation string) error {
	if err := tx.UpdateEvaluation(ctx, activation.Apply(rec, d, seq)); err != nil {
		return fmt.Errorf("policy %d: %w", rec.ID, err)
	}
	if !d.Changed() {
		return nil
	}
	ev, err := policy.NewEvent(policy.TransitionKind(d.Next), rec.ID, rec.Owner, seq, correlation, policy.Fields{
		"previous":           d.Previous,
		"state":              d.Next,
		"observed_flow_rate": d.Observed,
		"required_flow_rate": rec.RequiredFlowRate,
	})
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, ev)
}

// reload re-reads records under lock and drops any that changed owner
// since they were listed.
func (e *Engine) reload(ctx context.Context, owned []policy.Record, payer policy.Account) ([]policy.Record, error) {
	recs := make([]policy.Record, 0, len(owned))
	for _, r := range owned {
		rec, err := e.store.Get(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("reload policy %d: %w", r.ID, err)
		}
		if rec.Owner != payer {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (e *Engine) reserveSeqs(ctx context.Context, n int) ([]int64, error) {
	seqs := make([]int64, 0, n)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		seqs = seqs[:0]
		for i := 0; i < n; i++ {
			seq, err := tx.NextSeq(ctx)
			if err != nil {
				return err
			}
			seqs = append(seqs, seq)
		}
		return nil
	})
	return seqs, err
}

// notify delivers one change to one link, turning a panic into an error.
func (e *Engine) notify(ctx context.Context, l links.Link, change links.ActivationChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("link panicked: %v", r)
		}
	}()
	return l.OnActivationChanged(ctx, change)
}

// compensate sends each link that accepted a change the previous state,
// newest delivery first.
func (e *Engine) compensate(ctx context.Context, delivered []delivery) {
	ctx = context.WithoutCancel(ctx)
	for i := len(delivered) - 1; i >= 0; i-- {
		d := delivered[i]
		undo := d.change
		undo.State = d.previous
		undo.Seq = d.undoSeq
		if err := e.notify(ctx, d.link, undo); err != nil {
			e.logger.Error("compensating link delivery failed",
				"link", d.link.Name(),
				"policy_id", undo.PolicyID,
				"state", undo.State,
				"error", err,
			)
		}
	}
}

func (e *Engine) release(ctx context.Context, unlock lock.UnlockFunc) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("policy lock release failed", "error", err)
	}
}

func (e *Engine) logTransitions(out *Outcome) {
	for _, ev := range out.Transitions() {
		e.metrics.Transition(ev.Next.String())
		e.logger.Info("policy activation changed",
			"policy_id", ev.PolicyID,
			"previous", ev.Previous,
			"state", ev.Next,
			"observed_flow_rate", ev.Observed,
			"required_flow_rate", ev.Required,
			"kind", out.Kind,
			"payer", out.Payer,
			"correlation", out.Correlation,
		)
	}
}

func evaluation(rec policy.Record, d activation.Decision, seq int64) Evaluation {
	return Evaluation{
		PolicyID: rec.ID,
		Previous: d.Previous,
		Next:     d.Next,
		Observed: d.Observed,
		Required: rec.RequiredFlowRate,
		Seq:      seq,
	}
}

func policyIDs(recs []policy.Record) []policy.ID {
	ids := make([]policy.ID, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func (o *Outcome) downstreamErr() error {
	errs := make([]error, len(o.Downstream))
	for i, f := range o.Downstream {
		errs[i] = &links.DeliveryError{Link: f.Link, Err: f.Err}
	}
	return errors.Join(errs...)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsUnknownPolicy(err):
		return "unknown_policy"
	case IsDownstreamFailure(err):
		return "downstream_failure"
	case IsConcurrentMutation(err):
		return "conflict"
	default:
		return "error"
	}
}
