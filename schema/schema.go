// Package schema validates submitted evidence against the field schemas
// declared on evidence gates, and recovers validation diagnostics from
// persisted workflow state.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/store"
)

// Recognized schema type names. Any other name is treated as opaque and
// passes validation; "string[]" and friends are reserved for future
// enforcement.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Entry is one evidence schema collected from a workflow definition.
type Entry struct {
	Workflow string
	State    string
	Schema   []definition.SchemaField
}

// Result reports the validation outcome for one state's evidence.
// Errors keeps the declaration order of the schema keys.
type Result struct {
	State  string   `json:"state"`
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// Collect walks the definitions and returns one entry per state with an
// evidence gate, in definition order then state declaration order.
func Collect(defs []*definition.Definition) []Entry {
	var entries []Entry
	for _, def := range defs {
		for i := range def.States {
			state := &def.States[i]
			if state.Gate == nil || state.Gate.Kind != definition.GateEvidence {
				continue
			}
			entries = append(entries, Entry{
				Workflow: def.Name,
				State:    state.Name,
				Schema:   state.Gate.Schema,
			})
		}
	}
	return entries
}

// Validate checks evidence against a schema. Each declared key must be
// present and match its type name; unrecognized type names pass. Errors
// appear in schema declaration order.
func Validate(stateName string, fields []definition.SchemaField, evidence map[string]any) Result {
	result := Result{State: stateName, OK: true}
	for _, field := range fields {
		value, present := evidence[field.Name]
		if !present {
			result.Errors = append(result.Errors, fmt.Sprintf("missing key: %s", field.Name))
			continue
		}
		if matchesType(field.Type, value) {
			continue
		}
		result.Errors = append(result.Errors, fmt.Sprintf(
			"type mismatch for %s: expected %s, got %s",
			field.Name, field.Type, kindOf(value)))
	}
	result.OK = len(result.Errors) == 0
	return result
}

// Diagnostics returns one result per history entry, with errors
// recovered from the persisted validation_errors field when it is a
// sequence of strings.
func Diagnostics(state *store.State) []Result {
	results := make([]Result, 0, len(state.History))
	for _, entry := range state.History {
		errs := recoveredErrors(state.Evidence[entry.State])
		results = append(results, Result{
			State:  entry.State,
			OK:     len(errs) == 0,
			Errors: errs,
		})
	}
	return results
}

func recoveredErrors(evidence map[string]any) []string {
	if evidence == nil {
		return nil
	}
	switch raw := evidence["validation_errors"].(type) {
	case []string:
		out := make([]string, len(raw))
		copy(out, raw)
		return out
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func matchesType(typeName string, value any) bool {
	switch typeName {
	case TypeString:
		return kindOf(value) == "string"
	case TypeNumber:
		return kindOf(value) == "number"
	case TypeBoolean:
		return kindOf(value) == "boolean"
	case TypeArray:
		return kindOf(value) == "array"
	case TypeObject:
		return kindOf(value) == "object"
	default:
		// Opaque type name: pass through.
		return true
	}
}

// kindOf names the observed kind of a decoded JSON value.
func kindOf(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return "number"
	case []any, []string, []float64, []int:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}
