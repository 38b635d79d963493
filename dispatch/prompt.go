package dispatch

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/orchestra/config"
	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/engine"
)

//go:embed agents/*.md
var defaultAgents embed.FS

// buildPrompt assembles the agent's system prompt: agent brief, persona
// overlay, workflow context, and the bus tool contract.
func (d *Dispatcher) buildPrompt(agentID string, req engine.LaunchRequest) (string, error) {
	var b strings.Builder

	brief, err := d.agentBrief(req.Role.Agent)
	if err != nil {
		return "", err
	}
	b.WriteString(brief)
	b.WriteString("\n")

	if persona := d.personaText(req.Persona); persona != "" {
		b.WriteString("\n## Persona\n\n")
		b.WriteString(persona)
		b.WriteString("\n")
	} else if req.Persona != "" {
		b.WriteString("\n## Persona\n\nYou are working as **" + req.Persona + "**.\n")
	}

	b.WriteString("\n## Workflow context\n\n")
	fmt.Fprintf(&b, "- Workflow: `%s` (type `%s`)\n", req.Workflow.WorkflowID, req.Workflow.WorkflowType)
	fmt.Fprintf(&b, "- Your role: `%s`, agent id `%s`\n", req.RoleName, agentID)
	fmt.Fprintf(&b, "- Current state: `%s`\n", req.State.Name)
	if req.Workflow.RetryCount > 0 {
		fmt.Fprintf(&b, "- Retry attempt: %d\n", req.Workflow.RetryCount)
	}
	writeGateContract(&b, req.State)

	b.WriteString("\n## File scope\n\n")
	writeGlobList(&b, "Writable", req.Role.FileScope.Writable)
	writeGlobList(&b, "Readable", req.Role.FileScope.Readable)
	b.WriteString("\nWrites outside the writable globs are blocked by your scope program.\n")

	b.WriteString("\n## Tools\n\n")
	b.WriteString("Communicate only through the workflow bus tools registered by your scope program:\n\n")
	b.WriteString("- `submit_evidence(state, result, evidence)` — report completion of the current state. ")
	b.WriteString("`state` must be `" + req.State.Name + "`; the engine rejects submissions for any other state.\n")
	b.WriteString("- `send_message(to, type, payload)` — message another agent by agent id.\n")
	b.WriteString("- `check_inbox()` — poll for messages addressed to you; ack each handled message.\n")

	return b.String(), nil
}

// agentBrief loads the project's override for an agent capability, or
// the embedded default.
func (d *Dispatcher) agentBrief(agent string) (string, error) {
	if agent == "" {
		agent = "implementer"
	}
	override := filepath.Join(d.projectRoot, config.ProjectDir, config.AgentsDir, agent+".md")
	if data, err := os.ReadFile(override); err == nil {
		return string(data), nil
	}
	data, err := defaultAgents.ReadFile("agents/" + agent + ".md")
	if err != nil {
		// Unknown capability: fall back to the generic brief rather than
		// refusing the dispatch.
		data, err = defaultAgents.ReadFile("agents/implementer.md")
		if err != nil {
			return "", fmt.Errorf("no brief for agent %q: %w", agent, err)
		}
	}
	return string(data), nil
}

// personaText loads persona markdown from the project, when present.
func (d *Dispatcher) personaText(persona string) string {
	if persona == "" {
		return ""
	}
	path := filepath.Join(d.projectRoot, config.ProjectDir, config.PersonasDir, persona+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// writeGateContract describes what the state's gate will accept.
func writeGateContract(b *strings.Builder, state *definition.State) {
	gate := state.Gate
	if gate == nil {
		b.WriteString("- Gate: none; submit with result `pass` when done\n")
		return
	}
	switch gate.Kind {
	case definition.GateVerdict:
		fmt.Fprintf(b, "- Gate: verdict; allowed results: %s\n", backtickJoin(gate.Options))
	case definition.GateEvidence:
		b.WriteString("- Gate: evidence; your submission must include every field below:\n")
		for _, f := range gate.Schema {
			fmt.Fprintf(b, "  - `%s` (%s)\n", f.Name, f.Type)
		}
		if gate.Verify != nil {
			fmt.Fprintf(b, "- After schema validation, the engine runs `%s` and requires exit code %d\n",
				gate.Verify.Command, gate.Verify.ExpectExitCode)
		}
	case definition.GateCommand:
		fmt.Fprintf(b, "- Gate: command; the engine runs `%s` and requires exit code %d\n",
			gate.Verify.Command, gate.Verify.ExpectExitCode)
	}
}

func writeGlobList(b *strings.Builder, label string, globs []string) {
	if len(globs) == 0 {
		fmt.Fprintf(b, "- %s: (none declared)\n", label)
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, backtickJoin(globs))
}

func backtickJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "`" + item + "`"
	}
	return strings.Join(quoted, ", ")
}
