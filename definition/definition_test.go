package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const tddDefinition = `
name: tdd_cycle
description: Red-green-refactor loop with review.
params:
  task:
    type: string
    required: true
  max_loops:
    type: number
    default: 3
roles:
  developer:
    agent: implementer
    persona_pool: [alice, bob]
    tools: [edit, bash]
    file_scope:
      writable: ["src/**", "tests/**"]
      readable: ["**"]
  reviewer:
    agent: reviewer
    persona: carol
states:
  RED_write_test:
    assign: developer
    gate:
      schema:
        test_file: string
        failure_output: string
    transitions:
      pass: GREEN_implement
    max_retries: 2
  GREEN_implement:
    assign: developer
    gate:
      schema:
        diff_summary: string
      verify:
        command: go test ./...
    transitions:
      pass: REVIEW_changes
      fail: RED_write_test
  REVIEW_changes:
    assign: reviewer
    input_from: GREEN_implement
    gate:
      options: [approve, request_changes]
    transitions:
      approve: done
      request_changes: GREEN_implement
  done:
    type: terminal
    result: success
`

func mustParse(t *testing.T, source string) *Definition {
	t.Helper()
	var def Definition
	require.NoError(t, yaml.Unmarshal([]byte(source), &def))
	return &def
}

func TestDefinitionDecodePreservesOrder(t *testing.T) {
	def := mustParse(t, tddDefinition)

	assert.Equal(t, "tdd_cycle", def.Name)

	var stateNames []string
	for _, s := range def.States {
		stateNames = append(stateNames, s.Name)
	}
	assert.Equal(t, []string{"RED_write_test", "GREEN_implement", "REVIEW_changes", "done"}, stateNames)

	var paramNames []string
	for _, p := range def.Params {
		paramNames = append(paramNames, p.Name)
	}
	assert.Equal(t, []string{"task", "max_loops"}, paramNames)
	assert.True(t, def.Params[0].Required)
	assert.Equal(t, 3, def.Params[1].Default)
}

func TestDefinitionInitialDefaultsToFirstState(t *testing.T) {
	def := mustParse(t, tddDefinition)
	assert.Equal(t, "RED_write_test", def.Initial())

	withInitial := mustParse(t, "name: x\ninitial_state: done\nstates:\n  start:\n    type: action\n    commands: ['true']\n    transitions: {pass: done}\n  done:\n    type: terminal\n    result: success\n")
	assert.Equal(t, "done", withInitial.Initial())
}

func TestStateKindDiscrimination(t *testing.T) {
	def := mustParse(t, tddDefinition)

	red, ok := def.State("RED_write_test")
	require.True(t, ok)
	assert.Equal(t, KindAgent, red.Kind)
	assert.Equal(t, "developer", red.Assign)
	assert.Equal(t, 2, red.MaxRetries)

	done, ok := def.State("done")
	require.True(t, ok)
	assert.Equal(t, KindTerminal, done.Kind)
	assert.True(t, done.IsTerminal())
	assert.Equal(t, ResultSuccess, done.Result)
}

func TestStateWithoutAssignOrTypeFails(t *testing.T) {
	var def Definition
	err := yaml.Unmarshal([]byte("name: bad\nstates:\n  mystery:\n    transitions: {pass: done}\n"), &def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized kind")
}

func TestAssignWinsOverTypeTag(t *testing.T) {
	// Presence of assign makes the state an agent state even with a
	// conflicting type tag.
	def := mustParse(t, "name: x\nroles:\n  dev: {agent: implementer}\nstates:\n  work:\n    type: action\n    assign: dev\n    transitions: {pass: done}\n  done:\n    type: terminal\n    result: success\n")
	work, ok := def.State("work")
	require.True(t, ok)
	assert.Equal(t, KindAgent, work.Kind)
}

func TestDuplicateStateRejected(t *testing.T) {
	source := "name: dup\nstates:\n  a:\n    type: terminal\n    result: success\n  a:\n    type: terminal\n    result: failure\n"
	var def Definition
	err := yaml.Unmarshal([]byte(source), &def)
	// yaml.v3 rejects duplicate mapping keys itself; either error is fine
	// as long as the definition does not load.
	require.Error(t, err)
}

func TestGateDiscrimination(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want GateKind
	}{
		{"verdict", "options: [approve, reject]", GateVerdict},
		{"evidence", "schema:\n  notes: string", GateEvidence},
		{"evidence with verify", "schema:\n  notes: string\nverify:\n  command: 'true'", GateEvidence},
		{"command", "verify:\n  command: make lint", GateCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gate Gate
			require.NoError(t, yaml.Unmarshal([]byte(tt.yaml), &gate))
			assert.Equal(t, tt.want, gate.Kind)
		})
	}
}

func TestGateSchemaOrderAndLookup(t *testing.T) {
	var gate Gate
	require.NoError(t, yaml.Unmarshal([]byte("schema:\n  zeta: string\n  alpha: number\n  mid: boolean"), &gate))

	var names []string
	for _, f := range gate.Schema {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)

	typ, ok := gate.SchemaType("alpha")
	require.True(t, ok)
	assert.Equal(t, "number", typ)
	_, ok = gate.SchemaType("missing")
	assert.False(t, ok)
}

func TestGateRequiresAVariant(t *testing.T) {
	var gate Gate
	err := yaml.Unmarshal([]byte("{}"), &gate)
	require.Error(t, err)
}

func TestVerdictGateAllowsResult(t *testing.T) {
	gate := Gate{Kind: GateVerdict, Options: []string{"approve", "request_changes"}}
	assert.True(t, gate.AllowsResult("approve"))
	assert.False(t, gate.AllowsResult("merge"))
}

func TestValidate(t *testing.T) {
	t.Run("valid definition passes", func(t *testing.T) {
		def := mustParse(t, tddDefinition)
		assert.NoError(t, Validate(def))
	})

	t.Run("dangling transition target", func(t *testing.T) {
		def := mustParse(t, "name: x\nstates:\n  a:\n    type: action\n    commands: ['true']\n    transitions: {pass: nowhere}\n")
		err := Validate(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nowhere")
	})

	t.Run("escalate target is exempt", func(t *testing.T) {
		def := mustParse(t, "name: x\nstates:\n  a:\n    type: action\n    commands: ['true']\n    transitions: {pass: done, fail: ESCALATE}\n  done:\n    type: terminal\n    result: success\n")
		assert.NoError(t, Validate(def))
	})

	t.Run("undeclared role", func(t *testing.T) {
		def := mustParse(t, "name: x\nstates:\n  a:\n    assign: ghost\n    transitions: {pass: done}\n  done:\n    type: terminal\n    result: success\n")
		err := Validate(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ghost")
	})

	t.Run("bad terminal result", func(t *testing.T) {
		def := mustParse(t, "name: x\nstates:\n  done:\n    type: terminal\n    result: maybe\n")
		assert.Error(t, Validate(def))
	})

	t.Run("bad initial state", func(t *testing.T) {
		def := mustParse(t, "name: x\ninitial_state: ghost\nstates:\n  done:\n    type: terminal\n    result: success\n")
		assert.Error(t, Validate(def))
	})
}
