package engine

import (
	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/policy"
)

// Stage says where a captured failure happened.
type Stage string

const (
	StageLock  Stage = "lock"
	StageStore Stage = "store"
	StageLink  Stage = "link"
	StagePanic Stage = "panic"
)

// Evaluation is one policy's decision for a notification.
type Evaluation struct {
	PolicyID policy.ID    `json:"policy_id"`
	Previous policy.State `json:"previous"`
	Next     policy.State `json:"next"`
	Observed policy.Rate  `json:"observed_flow_rate"`
	Required policy.Rate  `json:"required_flow_rate"`
	Seq      int64        `json:"seq"`
}

// Changed reports whether the evaluation was a transition.
func (ev Evaluation) Changed() bool {
	return ev.Previous != ev.Next
}

// DownstreamFailure is a failure captured while handling a notification.
// On the created/updated path only link failures are captured (and also
// returned as an error). On the terminated path every failure ends up here.
type DownstreamFailure struct {
	Stage    Stage     `json:"stage"`
	PolicyID policy.ID `json:"policy_id,omitempty"`
	Link     string    `json:"link,omitempty"`
	Message  string    `json:"error"`
	Err      error     `json:"-"`
}

// Outcome separates what a notification did to policies from what happened
// when telling others about it.
type Outcome struct {
	Kind        ledger.Kind         `json:"kind"`
	Payer       policy.Account      `json:"payer"`
	FlowRate    policy.Rate         `json:"flow_rate"`
	Correlation string              `json:"correlation"`
	Evaluations []Evaluation        `json:"evaluations"`
	Downstream  []DownstreamFailure `json:"downstream_failures,omitempty"`

	// Committed is true once evaluations reached the store.
	Committed bool `json:"committed"`
}

// Transitions returns the evaluations that changed state.
func (o *Outcome) Transitions() []Evaluation {
	var out []Evaluation
	for _, ev := range o.Evaluations {
		if ev.Changed() {
			out = append(out, ev)
		}
	}
	return out
}

// Clean reports whether no failure was captured.
func (o *Outcome) Clean() bool {
	return len(o.Downstream) == 0
}

func (o *Outcome) capture(stage Stage, id policy.ID, link string, err error) {
	o.Downstream = append(o.Downstream, DownstreamFailure{
		Stage:    stage,
		PolicyID: id,
		Link:     link,
		Message:  err.Error(),
		Err:      err,
	})
}
