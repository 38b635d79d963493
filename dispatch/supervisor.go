// Package dispatch builds the runtime artifacts an agent needs (scope
// program, prompt, initial task) and hands the launch to a pane
// supervisor. The supervisor owns pane lifecycle; the dispatcher never
// inspects pane output.
package dispatch

import (
	"context"
	"log/slog"
)

// SpawnSpec is the launch request handed to the pane supervisor.
type SpawnSpec struct {
	AgentID    string   `json:"agent_id"`
	Tools      []string `json:"tools"`
	ScopePath  string   `json:"scope_path"`
	PromptPath string   `json:"prompt_path"`
	TaskPath   string   `json:"task_path"`
}

// Pane describes one live pane.
type Pane struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Supervisor is the pane-lifecycle capability. Implementations bind it
// to a concrete terminal multiplexer.
type Supervisor interface {
	Spawn(ctx context.Context, spec SpawnSpec) error
	List(ctx context.Context) ([]Pane, error)
	Focus(ctx context.Context, ref string) error
	Close(ctx context.Context, ref string) error
	Reconcile(ctx context.Context, expected []string) error
}

// LogSupervisor records launch requests in the log and nothing else.
// It stands in when no multiplexer integration is configured, so the
// engine can run headless.
type LogSupervisor struct {
	Logger *slog.Logger
}

func (s *LogSupervisor) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Spawn logs the spawn request instead of opening a pane.
func (s *LogSupervisor) Spawn(_ context.Context, spec SpawnSpec) error {
	s.log().Info("agent spawn requested",
		slog.String("agent_id", spec.AgentID),
		slog.String("task", spec.TaskPath))
	return nil
}

// List reports no panes.
func (s *LogSupervisor) List(context.Context) ([]Pane, error) { return nil, nil }

// Focus is a no-op.
func (s *LogSupervisor) Focus(context.Context, string) error { return nil }

// Close is a no-op.
func (s *LogSupervisor) Close(context.Context, string) error { return nil }

// Reconcile is a no-op.
func (s *LogSupervisor) Reconcile(context.Context, []string) error { return nil }
