package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c360studio/orchestra/engine"
	"github.com/c360studio/orchestra/store"
)

// Artifact file names written under the agent's runtime directory.
const (
	ScopeFile  = "scope.mjs"
	PromptFile = "prompt.md"
	TaskFile   = "initial-task.md"
)

// Options configures a Dispatcher.
type Options struct {
	Store       *store.Store
	ProjectRoot string
	SocketPath  string
	Supervisor  Supervisor
	Logger      *slog.Logger
}

// Dispatcher implements the engine's launcher: it materializes the
// scope program, system prompt, and initial task for an agent state,
// then asks the supervisor for a pane. One runtime directory per agent
// id; re-dispatching the same state overwrites the artifacts in place.
type Dispatcher struct {
	store       *store.Store
	projectRoot string
	socketPath  string
	supervisor  Supervisor
	logger      *slog.Logger
}

// New creates a dispatcher. A nil supervisor falls back to
// LogSupervisor so headless runs still record what would have spawned.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sup := opts.Supervisor
	if sup == nil {
		sup = &LogSupervisor{Logger: logger}
	}
	return &Dispatcher{
		store:       opts.Store,
		projectRoot: opts.ProjectRoot,
		socketPath:  opts.SocketPath,
		supervisor:  sup,
		logger:      logger,
	}
}

// AgentID derives the stable agent identity for a role within a run.
func AgentID(workflowID, roleName string) string {
	return workflowID + "-" + roleName
}

// Launch writes the per-agent artifacts and spawns the pane.
func (d *Dispatcher) Launch(ctx context.Context, req engine.LaunchRequest) error {
	agentID := AgentID(req.Workflow.WorkflowID, req.RoleName)
	dir := d.store.RuntimePath(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir for %s: %w", agentID, err)
	}

	scope := Scope{
		Writable: req.Role.FileScope.Writable,
		Readable: req.Role.FileScope.Readable,
	}
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("role %s: %w", req.RoleName, err)
	}

	program, err := renderScopeProgram(agentID, d.socketPath, req.Workflow.WorkflowID, scope)
	if err != nil {
		return err
	}
	if err := writeArtifact(dir, ScopeFile, program); err != nil {
		return err
	}

	prompt, err := d.buildPrompt(agentID, req)
	if err != nil {
		return err
	}
	if err := writeArtifact(dir, PromptFile, prompt); err != nil {
		return err
	}

	task := buildTask(agentID, req)
	if err := writeArtifact(dir, TaskFile, task); err != nil {
		return err
	}

	spec := SpawnSpec{
		AgentID:    agentID,
		Tools:      req.Role.Tools,
		ScopePath:  filepath.Join(dir, ScopeFile),
		PromptPath: filepath.Join(dir, PromptFile),
		TaskPath:   filepath.Join(dir, TaskFile),
	}
	if err := d.supervisor.Spawn(ctx, spec); err != nil {
		return fmt.Errorf("spawn %s: %w", agentID, err)
	}
	d.logger.Info("agent dispatched",
		slog.String("agent_id", agentID),
		slog.String("workflow_id", req.Workflow.WorkflowID),
		slog.String("state", req.State.Name),
		slog.String("persona", req.Persona))
	return nil
}

func writeArtifact(dir, name, content string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
