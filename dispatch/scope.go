package dispatch

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"
)

// Scope answers whether an agent may touch a path, per its role's
// fileScope globs.
type Scope struct {
	Writable []string
	Readable []string
}

// Validate rejects malformed glob patterns before they reach a scope
// program.
func (s Scope) Validate() error {
	for _, pattern := range append(append([]string{}, s.Writable...), s.Readable...) {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid file scope pattern %q", pattern)
		}
	}
	return nil
}

// CanWrite reports whether path matches any writable glob.
func (s Scope) CanWrite(path string) bool {
	return matchAny(s.Writable, path)
}

// CanRead reports whether path matches any readable glob.
func (s Scope) CanRead(path string) bool {
	return matchAny(s.Readable, path)
}

func matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// scopeProgram is the tool-registration program written next to each
// agent. It guards writes by the role's writable globs and exposes the
// three bus tools as JSON requests over the local socket.
var scopeProgram = template.Must(template.New("scope").Parse(`// Generated for {{.AgentID}}. Do not edit.
import { minimatch } from "minimatch";
import http from "node:http";

const SOCKET = {{.Socket}};
const AGENT_ID = {{.AgentID_JS}};
const WORKFLOW_ID = {{.WorkflowID}};
const WRITABLE = {{.Writable}};

export function canWrite(path) {
  return WRITABLE.some((glob) => minimatch(path, glob));
}

export function guardEdit(path) {
  if (!canWrite(path)) {
    throw new Error("write blocked by file scope: " + path);
  }
}

function request(method, path, body) {
  return new Promise((resolve, reject) => {
    const req = http.request(
      { socketPath: SOCKET, path, method, headers: { "Content-Type": "application/json" } },
      (res) => {
        let data = "";
        res.on("data", (chunk) => (data += chunk));
        res.on("end", () => {
          try {
            resolve(JSON.parse(data));
          } catch (err) {
            reject(err);
          }
        });
      },
    );
    req.on("error", reject);
    if (body !== undefined) req.write(JSON.stringify(body));
    req.end();
  });
}

export function send_message(to, type, payload) {
  return request("POST", "/messages", { from: AGENT_ID, to, type, payload, workflow_id: WORKFLOW_ID });
}

export function check_inbox() {
  return request("GET", "/inbox/" + encodeURIComponent(AGENT_ID));
}

export function submit_evidence(state, result, evidence) {
  return request("POST", "/evidence/" + encodeURIComponent(WORKFLOW_ID), {
    state,
    result,
    evidence,
    submitted_by: AGENT_ID,
  });
}
`))

type scopeParams struct {
	AgentID    string
	AgentID_JS string
	Socket     string
	WorkflowID string
	Writable   string
}

// renderScopeProgram produces scope.mjs for one agent.
func renderScopeProgram(agentID, socketPath, workflowID string, scope Scope) (string, error) {
	var globs strings.Builder
	globs.WriteString("[")
	for i, pattern := range scope.Writable {
		if i > 0 {
			globs.WriteString(", ")
		}
		globs.WriteString(jsString(pattern))
	}
	globs.WriteString("]")

	var out strings.Builder
	err := scopeProgram.Execute(&out, scopeParams{
		AgentID:    agentID,
		AgentID_JS: jsString(agentID),
		Socket:     jsString(socketPath),
		WorkflowID: jsString(workflowID),
		Writable:   globs.String(),
	})
	if err != nil {
		return "", fmt.Errorf("render scope program: %w", err)
	}
	return out.String(), nil
}

func jsString(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + replacer.Replace(s) + `"`
}
