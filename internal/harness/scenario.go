package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flowguard/internal/policy"
)

// Scenario is one end-to-end run: setup steps establish state, flow steps
// are the behaviour under test, and assertions check the end state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Correlation is the fixed correlation token stamped on every
	// notification. Empty means "test-correlation-default".
	Correlation string `yaml:"correlation,omitempty"`

	// Catalog enforces the built-in coverage catalog on mint.
	Catalog bool `yaml:"catalog,omitempty"`

	// Links names extra links attached after governance and staking. Each
	// records what it accepts and can be made to fail with fail_link.
	Links []string `yaml:"links,omitempty"`

	// Setup steps must all succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the steps under test.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action against the engine or the ledger.
type Step struct {
	Action   string        `yaml:"action"`
	Account  string        `yaml:"account,omitempty"`
	To       string        `yaml:"to,omitempty"`
	Policy   int64         `yaml:"policy,omitempty"`
	Rate     int64         `yaml:"rate,omitempty"`
	Coverage *CoverageArgs `yaml:"coverage,omitempty"`
	Link     string        `yaml:"link,omitempty"`
	Expect   *Expect       `yaml:"expect,omitempty"`
}

// CoverageArgs are the mint parameters.
type CoverageArgs struct {
	Type             string            `yaml:"type"`
	Amount           int64             `yaml:"amount"`
	Underwriter      string            `yaml:"underwriter"`
	RequiredFlowRate int64             `yaml:"required_flow_rate"`
	Terms            map[string]string `yaml:"terms,omitempty"`
}

// Expect describes how a step must end.
type Expect struct {
	// Error is the error code the step must fail with. Empty means success.
	Error string `yaml:"error,omitempty"`

	// Policy is the id a mint step must return.
	Policy int64 `yaml:"policy,omitempty"`

	// Transitions is the number of committed transitions the step causes.
	Transitions *int `yaml:"transitions,omitempty"`
}

// Assertion validates the state after the flow.
type Assertion struct {
	Type    string   `yaml:"type"`
	Policy  int64    `yaml:"policy,omitempty"`
	Account string   `yaml:"account,omitempty"`
	State   string   `yaml:"state,omitempty"`
	Present *bool    `yaml:"present,omitempty"`
	Kinds   []string `yaml:"kinds,omitempty"`
	Link    string   `yaml:"link,omitempty"`
	Count   *int     `yaml:"count,omitempty"`
}

// Step actions.
const (
	ActionMint      = "mint"
	ActionCreate    = "create"
	ActionUpdate    = "update"
	ActionDelete    = "delete"
	ActionLiquidate = "liquidate"
	ActionTransfer  = "transfer"
	ActionReconcile = "reconcile"
	ActionFailLink  = "fail_link"
	ActionHealLink  = "heal_link"
)

// Assertion types.
const (
	AssertPolicyState     = "policy_state"
	AssertOwner           = "owner"
	AssertHolder          = "holder"
	AssertEligible        = "eligible"
	AssertEventKinds      = "event_kinds"
	AssertTransitionCount = "transition_count"
	AssertLinkChanges     = "link_changes"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so a typo such as "assertion:" fails loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	known := make(map[string]bool, len(s.Links))
	for i, name := range s.Links {
		switch {
		case name == "":
			return fmt.Errorf("links[%d]: name is required", i)
		case name == "governance" || name == "staking":
			return fmt.Errorf("links[%d]: %q is always attached", i, name)
		case known[name]:
			return fmt.Errorf("links[%d]: duplicate link %q", i, name)
		}
		known[name] = true
	}

	for i, step := range s.Setup {
		if err := validateStep(step, known); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Error != "" {
			return fmt.Errorf("setup[%d]: setup steps cannot expect an error", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step, known); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, links map[string]bool) error {
	switch step.Action {
	case "":
		return fmt.Errorf("action is required")
	case ActionMint:
		if step.Account == "" {
			return fmt.Errorf("mint: account is required")
		}
		if step.Coverage == nil {
			return fmt.Errorf("mint: coverage is required")
		}
	case ActionCreate, ActionUpdate:
		if step.Account == "" {
			return fmt.Errorf("%s: account is required", step.Action)
		}
	case ActionDelete, ActionLiquidate:
		if step.Account == "" {
			return fmt.Errorf("%s: account is required", step.Action)
		}
	case ActionTransfer:
		if step.Policy <= 0 {
			return fmt.Errorf("transfer: policy is required")
		}
		if step.Account == "" || step.To == "" {
			return fmt.Errorf("transfer: account and to are required")
		}
	case ActionReconcile:
	case ActionFailLink, ActionHealLink:
		if !links[step.Link] {
			return fmt.Errorf("%s: unknown link %q", step.Action, step.Link)
		}
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func validateAssertion(index int, a *Assertion, links map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertPolicyState:
		if a.Policy <= 0 {
			return fmt.Errorf("assertions[%d]: policy is required for policy_state", index)
		}
		if _, err := policy.ParseState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertOwner:
		if a.Policy <= 0 || a.Account == "" {
			return fmt.Errorf("assertions[%d]: policy and account are required for owner", index)
		}
	case AssertHolder:
		if a.Account == "" {
			return fmt.Errorf("assertions[%d]: account is required for holder", index)
		}
	case AssertEligible:
		if a.Policy <= 0 {
			return fmt.Errorf("assertions[%d]: policy is required for eligible", index)
		}
	case AssertEventKinds:
		if a.Policy <= 0 {
			return fmt.Errorf("assertions[%d]: policy is required for event_kinds", index)
		}
		for _, k := range a.Kinds {
			if !policy.EventKind(k).Valid() {
				return fmt.Errorf("assertions[%d]: unknown event kind %q", index, k)
			}
		}
	case AssertTransitionCount:
		if _, err := policy.ParseState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for transition_count", index)
		}
	case AssertLinkChanges:
		if !links[a.Link] {
			return fmt.Errorf("assertions[%d]: unknown link %q", index, a.Link)
		}
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for link_changes", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// present defaults an omitted present flag to true.
func (a *Assertion) present() bool {
	return a.Present == nil || *a.Present
}
