// Package harness runs YAML scenarios against a real engine wired to an
// in-process streaming ledger.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: lapse_on_rate_drop
//	description: "What this scenario validates"
//	correlation: scenario-token
//	links: [registry]
//	setup:
//	  - action: mint
//	    account: "0xa11ce"
//	    coverage: { type: CAR, amount: 1000, underwriter: uw-1, required_flow_rate: 50 }
//	flow:
//	  - action: create
//	    account: "0xa11ce"
//	    rate: 70
//	  - action: fail_link
//	    link: registry
//	  - action: update
//	    account: "0xa11ce"
//	    rate: 10
//	    expect: { error: DOWNSTREAM_NOTIFICATION_FAILURE }
//	assertions:
//	  - type: policy_state
//	    policy: 1
//	    state: ACTIVE
//
// Step actions are mint, create, update, delete, liquidate, transfer,
// reconcile, fail_link and heal_link. A step without expect must succeed;
// expect.error names the error code the step must fail with.
//
// # Assertion Types
//
//   - policy_state: a policy's activation state
//   - owner: a policy's current owner
//   - holder: whether an account is a governance token holder
//   - eligible: whether a policy is eligible for staking rewards
//   - event_kinds: the exact kinds in a policy's event log, in order
//   - transition_count: how many traced transitions entered a state
//   - link_changes: how many changes a scenario link accepted
//
// # Deterministic Testing
//
// Every scenario runs in a fresh in-memory SQLite database with a fixed
// correlation token (scenario.correlation, or a default), so the trace is
// byte-identical across runs and can be compared against a golden file.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/lapse.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
