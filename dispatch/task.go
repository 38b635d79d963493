package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/engine"
)

// statePrefixGuidance maps a state-name prefix to working instructions.
// Matched case-insensitively against the segment before the first
// underscore or the whole name.
var statePrefixGuidance = map[string]string{
	"SETUP":    "Prepare the workspace: create scaffolding, install what the later states need, and verify the environment before submitting.",
	"RED":      "Write a failing test that captures the required behavior. Do not write implementation code. Confirm the test fails for the right reason before submitting.",
	"GREEN":    "Make the failing test pass with the smallest change that works. Do not refactor beyond what the test demands.",
	"REFACTOR": "Improve the code's structure without changing behavior. Every test must still pass when you submit.",
	"REVIEW":   "Read the changes critically. Submit your verdict with concrete findings; request changes when anything would not survive production.",
}

// buildTask renders initial-task.md: the concrete first instruction the
// agent reads on spawn.
func buildTask(agentID string, req engine.LaunchRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", req.State.Name)
	fmt.Fprintf(&b, "Workflow `%s` is in state `%s` and that state is assigned to you (`%s`).\n",
		req.Workflow.WorkflowID, req.State.Name, agentID)

	if guidance := guidanceFor(req.State.Name); guidance != "" {
		b.WriteString("\n## Phase\n\n")
		b.WriteString(guidance)
		b.WriteString("\n")
	}

	if req.Workflow.RetryCount > 0 {
		b.WriteString("\n## Retry\n\n")
		fmt.Fprintf(&b, "This is retry %d for this state.", req.Workflow.RetryCount)
		if last := req.Workflow.LastHistory(); last != nil && last.LastFailure != "" {
			fmt.Fprintf(&b, " The previous attempt failed:\n\n```\n%s\n```\n", last.LastFailure)
		} else {
			b.WriteString(" Address whatever blocked the previous attempt before resubmitting.\n")
		}
	}

	writeParams(&b, req.Workflow.Params)
	writeInputEvidence(&b, req)
	writeSubmissionContract(&b, req.State)

	return b.String()
}

// guidanceFor matches the state name's leading segment against the
// known phase prefixes.
func guidanceFor(stateName string) string {
	head := strings.ToUpper(stateName)
	if i := strings.IndexAny(head, "_-"); i > 0 {
		head = head[:i]
	}
	return statePrefixGuidance[head]
}

func writeParams(b *strings.Builder, params map[string]any) {
	if len(params) == 0 {
		return
	}
	b.WriteString("\n## Parameters\n\n")
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "- `%s`: %s\n", name, compactJSON(params[name]))
	}
}

// writeInputEvidence surfaces the evidence of the input_from state, or
// of the previous history entry when input_from is not declared.
func writeInputEvidence(b *strings.Builder, req engine.LaunchRequest) {
	source := req.State.InputFrom
	if source == "" {
		history := req.Workflow.History
		if len(history) > 1 {
			source = history[len(history)-2].State
		}
	}
	if source == "" {
		return
	}
	evidence, ok := req.Workflow.Evidence[source]
	if !ok || len(evidence) == 0 {
		return
	}
	data, err := json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(b, "\n## Input from `%s`\n\n```json\n%s\n```\n", source, data)
}

// writeSubmissionContract restates the gate as a ready-to-fill
// submit_evidence call.
func writeSubmissionContract(b *strings.Builder, state *definition.State) {
	b.WriteString("\n## When done\n\n")
	gate := state.Gate
	switch {
	case gate == nil:
		fmt.Fprintf(b, "Call `submit_evidence(%q, \"pass\", {})`.\n", state.Name)
	case gate.Kind == definition.GateVerdict:
		fmt.Fprintf(b, "Call `submit_evidence(%q, <verdict>, {})` where `<verdict>` is one of %s.\n",
			state.Name, backtickJoin(gate.Options))
	default:
		fmt.Fprintf(b, "Call `submit_evidence(%q, \"pass\", evidence)` with evidence shaped like:\n\n", state.Name)
		b.WriteString("```json\n")
		b.WriteString(exampleEvidence(gate.Schema))
		b.WriteString("\n```\n")
		if gate.Verify != nil {
			fmt.Fprintf(b, "\nThe engine then runs `%s` to verify; a rejected submission comes back with the validation errors.\n",
				gate.Verify.Command)
		}
	}
}

// exampleEvidence renders a schema as a filled JSON example, fields in
// declaration order.
func exampleEvidence(schema []definition.SchemaField) string {
	var b strings.Builder
	b.WriteString("{")
	for i, f := range schema {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "\n  %q: %s", f.Name, exampleValue(f.Type))
	}
	if len(schema) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

func exampleValue(typeName string) string {
	switch typeName {
	case "string":
		return `"..."`
	case "number":
		return "0"
	case "boolean":
		return "true"
	case "array":
		return "[]"
	case "object":
		return "{}"
	default:
		return "null"
	}
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return "`" + string(data) + "`"
}
