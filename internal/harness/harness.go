package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/flowguard/internal/catalog"
	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/logging"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
	"github.com/roach88/flowguard/internal/testutil"
)

// Harness holds the collaborators of one scenario run.
type Harness struct {
	store      store.Store
	engine     *engine.Engine
	ledger     *ledger.Simulator
	governance *links.Governance
	staking    *links.Staking
	links      map[string]*switchLink
	recorder   *recorder
	logger     *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory SQLite database. The engine sees
// notifications exactly as in production: the simulated ledger calls it
// synchronously for every flow change.
//
// A returned error means the scenario could not run at all (setup failed,
// the store could not open); failed expectations end up in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, scenario)

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	h.executeFlow(ctx, scenario.Flow, result)

	actx := &AssertionContext{
		Ctx:        ctx,
		Engine:     h.engine,
		Governance: h.governance,
		Staking:    h.staking,
		Links:      h.links,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st store.Store, scenario *Scenario) *Harness {
	logger := logging.NewNop()
	h := &Harness{
		store:      st,
		ledger:     ledger.NewSimulator(logger),
		governance: links.NewGovernance(),
		staking:    links.NewStaking(),
		links:      make(map[string]*switchLink, len(scenario.Links)),
		logger:     logger,
	}

	attached := []links.Link{h.governance, h.staking}
	for _, name := range scenario.Links {
		l := &switchLink{RecordingLink: testutil.NewRecordingLink(name)}
		h.links[name] = l
		attached = append(attached, l)
	}

	opts := []engine.Option{
		engine.WithLinks(attached...),
		engine.WithGateway(h.ledger),
		engine.WithLogger(logger),
		engine.WithCorrelation(testutil.NewFixedCorrelation(scenario.Correlation)),
	}
	if scenario.Catalog {
		opts = append(opts, engine.WithCatalog(catalog.Default()))
	}
	h.engine = engine.New(st, opts...)

	h.recorder = &recorder{engine: h.engine}
	h.ledger.Attach(h.recorder)
	return h
}

// executeSetup runs setup steps. Any failure aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []Step, result *Result) error {
	for i, step := range setup {
		ev, err := h.execute(ctx, step)
		ev.Phase, ev.Step = PhaseSetup, i
		result.AddTrace(ev)
		if err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		if msg := checkExpect(step, ev, err); msg != "" {
			return fmt.Errorf("setup step %d (%s): %s", i, step.Action, msg)
		}
	}
	return nil
}

// executeFlow runs flow steps, recording every expectation mismatch and
// carrying on with the next step.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) {
	for i, step := range flow {
		ev, err := h.execute(ctx, step)
		ev.Phase, ev.Step = PhaseFlow, i
		result.AddTrace(ev)
		if msg := checkExpect(step, ev, err); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Action, msg))
		}
	}
}

// execute runs one step and traces it. ev.Error carries the step's error
// code; the returned error is the step's raw error.
func (h *Harness) execute(ctx context.Context, step Step) (ev TraceEvent, err error) {
	ev = TraceEvent{
		Action:  step.Action,
		Account: policy.Account(step.Account),
		To:      policy.Account(step.To),
		Rate:    policy.Rate(step.Rate),
	}
	defer func() {
		ev.Error = ErrorCode(err)
	}()

	h.recorder.reset()
	switch step.Action {
	case ActionMint:
		var id policy.ID
		id, err = h.engine.Mint(ctx, engine.MintRequest{
			Owner:            policy.Account(step.Account),
			CoverageType:     step.Coverage.Type,
			CoverageAmount:   step.Coverage.Amount,
			UnderwriterRef:   step.Coverage.Underwriter,
			RequiredFlowRate: policy.Rate(step.Coverage.RequiredFlowRate),
			Terms:            step.Coverage.Terms,
		})
		ev.PolicyID = id
		ev.Rate = policy.Rate(step.Coverage.RequiredFlowRate)
	case ActionCreate:
		err = h.ledger.CreateFlow(ctx, policy.Account(step.Account), policy.Rate(step.Rate))
	case ActionUpdate:
		err = h.ledger.UpdateFlow(ctx, policy.Account(step.Account), policy.Rate(step.Rate))
	case ActionDelete:
		err = h.ledger.DeleteFlow(ctx, policy.Account(step.Account))
	case ActionLiquidate:
		h.ledger.Liquidate(ctx, policy.Account(step.Account))
	case ActionTransfer:
		ev.PolicyID = policy.ID(step.Policy)
		err = h.engine.TransferOwnership(ctx, policy.ID(step.Policy), policy.Account(step.Account), policy.Account(step.To))
	case ActionReconcile:
		var report *engine.ReconcileReport
		report, err = h.engine.Reconcile(ctx)
		if report != nil {
			for _, out := range report.Outcomes {
				ev.record(out)
			}
			if err == nil && len(report.Failures) > 0 {
				err = fmt.Errorf("reconcile: %d owners failed", len(report.Failures))
			}
		}
	case ActionFailLink:
		h.links[step.Link].failing.Store(true)
	case ActionHealLink:
		h.links[step.Link].failing.Store(false)
	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}

	for _, out := range h.recorder.take() {
		ev.record(out)
	}
	return ev, err
}

// checkExpect compares a step's result against its expect clause.
func checkExpect(step Step, ev TraceEvent, err error) string {
	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	if got := ErrorCode(err); got != want {
		if want == "" {
			return fmt.Sprintf("unexpected error: %v", err)
		}
		return fmt.Sprintf("expected error %s, got %q", want, got)
	}
	if step.Expect == nil {
		return ""
	}
	if step.Expect.Policy != 0 && ev.PolicyID != policy.ID(step.Expect.Policy) {
		return fmt.Sprintf("expected policy %d, got %d", step.Expect.Policy, ev.PolicyID)
	}
	if n := step.Expect.Transitions; n != nil && len(ev.Transitions) != *n {
		return fmt.Sprintf("expected %d transitions, got %d", *n, len(ev.Transitions))
	}
	return ""
}

// Error codes for failures that carry no engine error code.
const (
	CodeNotOwner       = "NOT_OWNER"
	CodeSelfTransfer   = "SELF_TRANSFER"
	CodeInvalidAccount = "INVALID_ACCOUNT"
	CodeFlowExists     = "FLOW_EXISTS"
	CodeNoFlow         = "NO_FLOW"
	CodeInvalidRate    = "INVALID_RATE"
	CodeError          = "ERROR"
)

// ErrorCode maps a step error to the code scenarios expect. A ledger
// rejection carries the engine's code through its wrapping.
func ErrorCode(err error) string {
	var ee *engine.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ee):
		return string(ee.Code)
	case errors.Is(err, engine.ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, engine.ErrSelfTransfer):
		return CodeSelfTransfer
	case errors.Is(err, policy.ErrEmptyAccount):
		return CodeInvalidAccount
	case errors.Is(err, ledger.ErrFlowExists):
		return CodeFlowExists
	case errors.Is(err, ledger.ErrNoFlow):
		return CodeNoFlow
	case errors.Is(err, ledger.ErrInvalidRate):
		return CodeInvalidRate
	default:
		return CodeError
	}
}

// recorder sits between the simulated ledger and the engine and keeps the
// outcome of every notification it passes on.
type recorder struct {
	engine   *engine.Engine
	outcomes []*engine.Outcome
}

var _ ledger.Handler = (*recorder)(nil)

func (r *recorder) HandleNotification(ctx context.Context, n ledger.Notification) error {
	out, err := r.engine.Handle(ctx, n)
	if out != nil {
		r.outcomes = append(r.outcomes, out)
	}
	return err
}

func (r *recorder) reset() {
	r.outcomes = nil
}

func (r *recorder) take() []*engine.Outcome {
	out := r.outcomes
	r.outcomes = nil
	return out
}

// switchLink accepts and records changes until it is switched to failing.
type switchLink struct {
	*testutil.RecordingLink
	failing atomic.Bool
}

func (l *switchLink) OnActivationChanged(ctx context.Context, change links.ActivationChange) error {
	if l.failing.Load() {
		return fmt.Errorf("%s: %w", l.Name(), testutil.ErrInjected)
	}
	return l.RecordingLink.OnActivationChanged(ctx, change)
}
