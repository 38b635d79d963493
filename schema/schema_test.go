package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/store"
)

func fields(pairs ...string) []definition.SchemaField {
	out := make([]definition.SchemaField, 0, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		out = append(out, definition.SchemaField{Name: pairs[i], Type: pairs[i+1]})
	}
	return out
}

func TestValidateAccepts(t *testing.T) {
	schema := fields(
		"test_file", "string",
		"line_count", "number",
		"passed", "boolean",
		"files", "array",
		"details", "object",
	)
	result := Validate("GREEN_implement", schema, map[string]any{
		"test_file":  "pagination_test.go",
		"line_count": float64(42),
		"passed":     true,
		"files":      []any{"a.go"},
		"details":    map[string]any{"k": "v"},
	})
	assert.True(t, result.OK)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "GREEN_implement", result.State)
}

func TestValidateMissingKeyMessage(t *testing.T) {
	result := Validate("s", fields("test_file", "string"), map[string]any{})
	require.False(t, result.OK)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "missing key: test_file", result.Errors[0])
}

func TestValidateTypeMismatchMessage(t *testing.T) {
	result := Validate("s", fields("line_count", "number"), map[string]any{
		"line_count": "forty-two",
	})
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "type mismatch for line_count: expected number, got string", result.Errors[0])
}

func TestValidateErrorsInSchemaOrder(t *testing.T) {
	schema := fields(
		"zeta", "string",
		"alpha", "number",
		"mid", "boolean",
	)
	result := Validate("s", schema, map[string]any{
		"alpha": "not a number",
	})
	require.Len(t, result.Errors, 3)
	assert.Equal(t, []string{
		"missing key: zeta",
		"type mismatch for alpha: expected number, got string",
		"missing key: mid",
	}, result.Errors)
}

func TestValidateOpaqueTypePasses(t *testing.T) {
	// Unrecognized type names are not enforced.
	result := Validate("s", fields("items", "string[]"), map[string]any{
		"items": 7,
	})
	assert.True(t, result.OK)
}

func TestValidateNullValue(t *testing.T) {
	result := Validate("s", fields("notes", "string"), map[string]any{
		"notes": nil,
	})
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "type mismatch for notes: expected string, got null", result.Errors[0])
}

func TestValidateExtraKeysIgnored(t *testing.T) {
	result := Validate("s", fields("notes", "string"), map[string]any{
		"notes":    "ok",
		"whatever": 1,
	})
	assert.True(t, result.OK)
}

func TestCollect(t *testing.T) {
	source := `
name: tdd_cycle
states:
  RED_write_test:
    assign: dev
    gate:
      schema:
        test_file: string
    transitions: {pass: review}
  review:
    assign: dev
    gate:
      options: [approve]
    transitions: {approve: done}
  done:
    type: terminal
    result: success
roles:
  dev: {agent: implementer}
`
	var def definition.Definition
	require.NoError(t, yaml.Unmarshal([]byte(source), &def))

	entries := Collect([]*definition.Definition{&def})
	require.Len(t, entries, 1)
	assert.Equal(t, "tdd_cycle", entries[0].Workflow)
	assert.Equal(t, "RED_write_test", entries[0].State)
	require.Len(t, entries[0].Schema, 1)
	assert.Equal(t, "test_file", entries[0].Schema[0].Name)
}

func TestDiagnostics(t *testing.T) {
	wf := &store.State{
		History: []store.HistoryEntry{
			{State: "RED_write_test"},
			{State: "GREEN_implement"},
		},
		Evidence: map[string]map[string]any{
			"RED_write_test": {"verified": true},
			"GREEN_implement": {
				"verified": false,
				// JSON round-trips validation_errors as []any.
				"validation_errors": []any{"missing key: diff_summary"},
			},
		},
	}
	results := Diagnostics(wf)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, []string{"missing key: diff_summary"}, results[1].Errors)
}
