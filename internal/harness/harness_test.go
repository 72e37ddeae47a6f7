package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/ledger"
)

func TestScenarios(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.Len(t, files, 4)

	for _, file := range files {
		scenario, err := LoadScenario(file)
		require.NoError(t, err, "failed to load %s", file)

		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario failed: %v", result.Errors)
		})
	}
}

func TestRunReportsFailedExpectations(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong
description: "expects the opposite of what happens"
setup:
  - action: mint
    account: "0xa11ce"
    coverage: { type: CAR, amount: 1000, underwriter: uw-1, required_flow_rate: 50 }
flow:
  - action: create
    account: "0xa11ce"
    rate: 10
    expect: { transitions: 1 }
  - action: update
    account: "0xb0b"
    rate: 10
assertions:
  - type: policy_state
    policy: 1
    state: ACTIVE
  - type: holder
    account: "0xa11ce"
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected 1 transitions, got 0")
	assert.Contains(t, result.Errors[1], "unexpected error")
	assert.Contains(t, result.Errors[2], "expected ACTIVE, got INACTIVE")
	assert.Contains(t, result.Errors[3], "holder 0xa11ce")

	// The update for an account without a flow never reached the engine.
	assert.Equal(t, CodeNoFlow, result.Trace[2].Error)
}

func TestRunFailsOnBadSetup(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: bad_setup
description: "a setup step that cannot succeed"
setup:
  - action: mint
    account: "0xa11ce"
    coverage: { type: CAR, amount: 1000, underwriter: uw-1, required_flow_rate: 0 }
flow:
  - action: reconcile
assertions:
  - type: transition_count
    state: ACTIVE
    count: 0
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 0 (mint)")
	assert.True(t, engine.IsInvalidCoverage(err))
}

func TestTerminationAbsorbsLinkFailures(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: absorbed
description: "termination succeeds while a link is down"
links: [registry]
setup:
  - action: mint
    account: "0xa11ce"
    coverage: { type: CAR, amount: 1000, underwriter: uw-1, required_flow_rate: 50 }
  - action: create
    account: "0xa11ce"
    rate: 50
flow:
  - action: fail_link
    link: registry
  - action: delete
    account: "0xa11ce"
    expect: { transitions: 1 }
assertions:
  - type: policy_state
    policy: 1
    state: INACTIVE
  - type: link_changes
    link: registry
    count: 1
  - type: eligible
    policy: 1
    present: false
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "scenario failed: %v", result.Errors)

	last := result.Trace[len(result.Trace)-1]
	assert.Empty(t, last.Error)
	assert.Equal(t, []string{"link:registry:1"}, last.Downstream)
}

func TestParseScenarioRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\ndescription: d\nflow: [{action: reconcile}]\nassertion: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: d\nflow: [{action: reconcile}]\nassertions: [{type: transition_count, state: ACTIVE, count: 0}]\n",
			want: "name is required",
		},
		{
			name: "empty flow",
			yaml: "name: x\ndescription: d\nassertions: [{type: transition_count, state: ACTIVE, count: 0}]\n",
			want: "flow list is required",
		},
		{
			name: "unknown action",
			yaml: "name: x\ndescription: d\nflow: [{action: burn}]\nassertions: [{type: transition_count, state: ACTIVE, count: 0}]\n",
			want: `flow[0]: unknown action "burn"`,
		},
		{
			name: "mint without coverage",
			yaml: "name: x\ndescription: d\nflow: [{action: mint, account: a}]\nassertions: [{type: transition_count, state: ACTIVE, count: 0}]\n",
			want: "mint: coverage is required",
		},
		{
			name: "unknown link",
			yaml: "name: x\ndescription: d\nflow: [{action: fail_link, link: nope}]\nassertions: [{type: transition_count, state: ACTIVE, count: 0}]\n",
			want: `unknown link "nope"`,
		},
		{
			name: "reserved link",
			yaml: "name: x\ndescription: d\nlinks: [staking]\nflow: [{action: reconcile}]\nassertions: [{type: transition_count, state: ACTIVE, count: 0}]\n",
			want: "always attached",
		},
		{
			name: "setup expecting error",
			yaml: "name: x\ndescription: d\nsetup: [{action: reconcile, expect: {error: ERROR}}]\nflow: [{action: reconcile}]\nassertions: [{type: transition_count, state: ACTIVE, count: 0}]\n",
			want: "setup steps cannot expect an error",
		},
		{
			name: "count missing",
			yaml: "name: x\ndescription: d\nflow: [{action: reconcile}]\nassertions: [{type: transition_count, state: ACTIVE}]\n",
			want: "count is required",
		},
		{
			name: "bad state",
			yaml: "name: x\ndescription: d\nflow: [{action: reconcile}]\nassertions: [{type: policy_state, policy: 1, state: LAPSED}]\n",
			want: "assertions[0]",
		},
		{
			name: "bad event kind",
			yaml: "name: x\ndescription: d\nflow: [{action: reconcile}]\nassertions: [{type: event_kinds, policy: 1, kinds: [policy.burned]}]\n",
			want: `unknown event kind "policy.burned"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestErrorCode(t *testing.T) {
	rejected := fmt.Errorf("%w: created 0xa: %w", ledger.ErrCallbackRejected,
		&engine.Error{Code: engine.ErrCodeDownstreamFailure, Message: "link rejected"})

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{rejected, string(engine.ErrCodeDownstreamFailure)},
		{fmt.Errorf("wrap: %w", engine.ErrNotOwner), CodeNotOwner},
		{engine.ErrSelfTransfer, CodeSelfTransfer},
		{fmt.Errorf("%w: 0xa", ledger.ErrNoFlow), CodeNoFlow},
		{ledger.ErrFlowExists, CodeFlowExists},
		{ledger.ErrInvalidRate, CodeInvalidRate},
		{errors.New("boom"), CodeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), "%v", tt.err)
	}
}

func TestGoldenFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "lifecycle.yaml")
	data, err := os.ReadFile("testdata/scenarios/activation_lifecycle.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, data, 0o644))

	scenario, err := LoadScenario(file)
	require.NoError(t, err)
	result, err := Run(scenario)
	require.NoError(t, err)

	_, ok, err := CompareGolden(file, scenario, result)
	require.NoError(t, err)
	assert.False(t, ok, "no golden file yet")

	require.NoError(t, WriteGolden(file, scenario, result))
	assert.FileExists(t, filepath.Join(dir, "golden", "lifecycle.golden"))

	match, ok, err := CompareGolden(file, scenario, result)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, match)

	result.Trace = result.Trace[:1]
	match, _, err = CompareGolden(file, scenario, result)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestFindScenariosFilter(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "transfer_*")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "transfer_without_reevaluation.yaml", filepath.Base(files[0]))

	_, err = FindScenarios("testdata/scenarios", "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}
