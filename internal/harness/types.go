package harness

import (
	"fmt"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/policy"
)

// Trace phases.
const (
	PhaseSetup = "setup"
	PhaseFlow  = "flow"
)

// TraceEvent records one executed step and what it caused.
type TraceEvent struct {
	Phase       string         `json:"phase"`
	Step        int            `json:"step"`
	Action      string         `json:"action"`
	Account     policy.Account `json:"account,omitempty"`
	To          policy.Account `json:"to,omitempty"`
	PolicyID    policy.ID      `json:"policy_id,omitempty"`
	Rate        policy.Rate    `json:"rate,omitempty"`
	Error       string         `json:"error,omitempty"`
	Transitions []Transition   `json:"transitions,omitempty"`
	Downstream  []string       `json:"downstream,omitempty"`
}

// Transition is a committed activation change.
type Transition struct {
	PolicyID policy.ID    `json:"policy_id"`
	From     policy.State `json:"from"`
	To       policy.State `json:"to"`
	Seq      int64        `json:"seq"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// CountTransitions returns how many traced transitions entered state.
func (r *Result) CountTransitions(state policy.State) int {
	n := 0
	for _, ev := range r.Trace {
		for _, t := range ev.Transitions {
			if t.To == state {
				n++
			}
		}
	}
	return n
}

// record folds a notification outcome into a trace event. Transitions are
// only traced once they reached the store.
func (ev *TraceEvent) record(out *engine.Outcome) {
	if out == nil {
		return
	}
	if out.Committed {
		for _, e := range out.Transitions() {
			ev.Transitions = append(ev.Transitions, Transition{
				PolicyID: e.PolicyID,
				From:     e.Previous,
				To:       e.Next,
				Seq:      e.Seq,
			})
		}
	}
	for _, d := range out.Downstream {
		ev.Downstream = append(ev.Downstream, downstreamLabel(d))
	}
}

func downstreamLabel(d engine.DownstreamFailure) string {
	label := string(d.Stage)
	if d.Link != "" {
		label += ":" + d.Link
	}
	if d.PolicyID != 0 {
		label += fmt.Sprintf(":%d", d.PolicyID)
	}
	return label
}
