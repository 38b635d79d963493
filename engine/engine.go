// Package engine interprets workflow definitions: it starts runs,
// validates and verifies submitted evidence against per-state gates,
// applies retry and escalation policy, composes subworkflows, and
// dispatches the current state of a run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/orchestra/config"
	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/event"
	"github.com/c360studio/orchestra/schema"
	"github.com/c360studio/orchestra/store"
)

// Outcome statuses returned by SubmitEvidence.
const (
	StatusAdvanced = "advanced"
	StatusPaused   = "paused"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Transition result keys with built-in meaning.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

// Submission is one evidence submission from an agent.
type Submission struct {
	State       string         `json:"state"`
	Result      string         `json:"result"`
	Evidence    map[string]any `json:"evidence"`
	SubmittedBy string         `json:"submitted_by,omitempty"`
}

// Outcome is the engine's answer to a submission.
type Outcome struct {
	WorkflowID  string         `json:"workflowId"`
	Status      string         `json:"status"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	Result      string         `json:"result,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	State       string         `json:"state,omitempty"`
	Retries     int            `json:"retries,omitempty"`
	Diagnostics *schema.Result `json:"diagnostics,omitempty"`
}

// LaunchRequest carries everything an agent launcher needs to put an
// agent to work on a state.
type LaunchRequest struct {
	Workflow   *store.State
	Definition *definition.Definition
	State      *definition.State
	RoleName   string
	Role       definition.Role
	Persona    string
}

// AgentLauncher prepares launch artifacts and asks the pane supervisor
// to start an agent. The engine never inspects agent output.
type AgentLauncher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// Options configures a new Engine. Store and Definitions are required.
type Options struct {
	Store       *store.Store
	Definitions *definition.Registry
	Config      *config.Config
	Runner      Runner
	Launcher    AgentLauncher
	Events      event.Publisher
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Engine is the workflow interpreter. All operations on one workflow id
// are serialized through a keyed mutex; operations on distinct
// workflows may run concurrently.
type Engine struct {
	store    *store.Store
	defs     *definition.Registry
	cfg      *config.Config
	runner   Runner
	launcher AgentLauncher
	events   event.Publisher
	metrics  *Metrics
	logger   *slog.Logger
	locks    *keyedLocks

	// now and shortID are swappable for tests.
	now     func() time.Time
	shortID func() string
}

// New creates an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	var events event.Publisher = opts.Events
	if events == nil {
		events = event.Nop{}
	}
	var runner Runner = opts.Runner
	if runner == nil {
		runner = &ExecRunner{Logger: logger}
	}
	return &Engine{
		store:    opts.Store,
		defs:     opts.Definitions,
		cfg:      cfg,
		runner:   runner,
		launcher: opts.Launcher,
		events:   events,
		metrics:  opts.Metrics,
		logger:   logger,
		locks:    newKeyedLocks(),
		now:      time.Now,
		shortID:  defaultShortID,
	}
}

// defaultShortID returns eight hex characters of randomness for
// workflow ids.
func defaultShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Start creates, persists, and returns a new workflow run of the given
// type.
func (e *Engine) Start(workflowType string, params map[string]any) (*store.State, error) {
	def, ok := e.defs.Get(workflowType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowType)
	}
	initial := def.Initial()
	if initial == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoStates, workflowType)
	}
	if params == nil {
		params = make(map[string]any)
	}
	for _, p := range def.Params {
		if _, present := params[p.Name]; present {
			continue
		}
		if p.Default != nil {
			params[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("workflow %q: required param %q missing", workflowType, p.Name)
		}
	}

	now := e.now().UTC()
	wf := &store.State{
		WorkflowID:   fmt.Sprintf("%s-%s", workflowType, e.shortID()),
		WorkflowType: workflowType,
		CurrentState: initial,
		Params:       params,
		Evidence:     make(map[string]map[string]any),
		History: []store.HistoryEntry{{
			State:     initial,
			EnteredAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Save(wf); err != nil {
		return nil, err
	}
	e.metrics.incStarts()
	e.logger.Info("workflow started",
		slog.String("workflow_id", wf.WorkflowID),
		slog.String("type", workflowType),
		slog.String("state", initial))
	return wf, nil
}

// Get returns the persisted state for one workflow.
func (e *Engine) Get(id string) (*store.State, error) {
	wf, err := e.store.Load(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstance, id)
	}
	return wf, err
}

// List returns all persisted workflows sorted by creation time.
func (e *Engine) List() ([]*store.State, error) {
	return e.store.List()
}

// SubmitEvidence evaluates a submission against the current state's
// gate and advances, retries, or escalates the workflow accordingly.
func (e *Engine) SubmitEvidence(ctx context.Context, id string, sub Submission) (Outcome, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	wf, err := e.Get(id)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{WorkflowID: id}

	if wf.Paused {
		out.Status = StatusPaused
		return out, nil
	}
	if sub.State != wf.CurrentState {
		e.metrics.incRejections()
		out.Status = StatusRejected
		out.Reason = fmt.Sprintf("state mismatch: submitted %q, current %q", sub.State, wf.CurrentState)
		return out, nil
	}

	def, ok := e.defs.Get(wf.WorkflowType)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrMissingDefinition, wf.WorkflowType)
	}
	stateDef, ok := def.State(wf.CurrentState)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownState, wf.CurrentState)
	}
	gate := stateDef.Gate
	if gate == nil {
		e.metrics.incRejections()
		out.Status = StatusRejected
		out.Reason = fmt.Sprintf("no gate on state %q", wf.CurrentState)
		return out, nil
	}

	verified := false
	switch gate.Kind {
	case definition.GateEvidence:
		result := schema.Validate(sub.State, gate.Schema, sub.Evidence)
		if !result.OK {
			// Schema rejection does not consume a retry; the workflow
			// stays on the current state.
			ev := copyEvidence(sub.Evidence)
			ev["verified"] = false
			ev["validation_errors"] = result.Errors
			wf.Evidence[sub.State] = ev
			wf.UpdatedAt = e.now().UTC()
			if err := e.store.Save(wf); err != nil {
				return Outcome{}, err
			}
			e.metrics.incRejections()
			out.Status = StatusRejected
			out.Reason = "schema validation failed"
			out.Diagnostics = &result
			return out, nil
		}
		verified = true
		if gate.Verify != nil {
			verified = e.verifyCommand(ctx, wf, gate.Verify)
		}
	case definition.GateCommand:
		verified = e.verifyCommand(ctx, wf, gate.Verify)
	case definition.GateVerdict:
		verified = gate.AllowsResult(sub.Result)
	default:
		return Outcome{}, fmt.Errorf("%w: gate %q on state %q", ErrUnrecognizedStateKind, gate.Kind, wf.CurrentState)
	}

	if !verified {
		return e.recordGateFailure(wf, def, stateDef, sub)
	}
	return e.advance(wf, def, stateDef, sub)
}

// recordGateFailure burns a retry and escalates once the budget is
// exhausted. A maxRetries of zero means a single attempt.
func (e *Engine) recordGateFailure(wf *store.State, def *definition.Definition, stateDef *definition.State, sub Submission) (Outcome, error) {
	wf.RetryCount++
	if last := wf.LastHistory(); last != nil {
		last.Retries = wf.RetryCount
		last.LastFailure = fmt.Sprintf("gate %s failed for result %q", stateDef.Gate.Kind, sub.Result)
	}

	maxRetries := stateDef.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	if wf.RetryCount >= maxRetries {
		target := stateDef.Transitions[ResultFail]
		if target == "" {
			target = definition.EscalateState
		}
		if !def.HasState(target) {
			if err := e.persistFailureEvidence(wf, sub); err != nil {
				return Outcome{}, err
			}
			return Outcome{}, fmt.Errorf("%w: escalation target %q for state %q", ErrNoTransition, target, wf.CurrentState)
		}
		e.moveState(wf, target, ResultFail)
		e.metrics.incEscalations()
	}

	if err := e.persistFailureEvidence(wf, sub); err != nil {
		return Outcome{}, err
	}
	e.metrics.incGateFailures()
	e.logger.Info("gate failed",
		slog.String("workflow_id", wf.WorkflowID),
		slog.String("state", sub.State),
		slog.Int("retries", wf.RetryCount))
	return Outcome{
		WorkflowID: wf.WorkflowID,
		Status:     StatusFailed,
		State:      sub.State,
		Retries:    wf.RetryCount,
	}, nil
}

func (e *Engine) persistFailureEvidence(wf *store.State, sub Submission) error {
	ev := copyEvidence(sub.Evidence)
	ev["verified"] = false
	wf.Evidence[sub.State] = ev
	wf.UpdatedAt = e.now().UTC()
	return e.store.Save(wf)
}

// advance records verified evidence and moves the workflow along the
// transition keyed by the submitted result, falling back to pass.
func (e *Engine) advance(wf *store.State, def *definition.Definition, stateDef *definition.State, sub Submission) (Outcome, error) {
	ev := copyEvidence(sub.Evidence)
	ev["result"] = sub.Result
	ev["verified"] = true
	ev["submitted_by"] = sub.SubmittedBy
	ev["submitted_at"] = e.now().UTC().Format(time.RFC3339)
	wf.Evidence[sub.State] = ev

	next := stateDef.Transitions[sub.Result]
	if next == "" {
		next = stateDef.Transitions[ResultPass]
	}
	if next == "" {
		wf.UpdatedAt = e.now().UTC()
		if err := e.store.Save(wf); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: state %q result %q", ErrNoTransition, wf.CurrentState, sub.Result)
	}

	from := wf.CurrentState
	wf.RetryCount = 0
	e.moveState(wf, next, sub.Result)
	if err := e.store.Save(wf); err != nil {
		return Outcome{}, err
	}
	e.metrics.incAdvances()
	e.logger.Info("workflow advanced",
		slog.String("workflow_id", wf.WorkflowID),
		slog.String("from", from),
		slog.String("to", next),
		slog.String("result", sub.Result))
	return Outcome{
		WorkflowID: wf.WorkflowID,
		Status:     StatusAdvanced,
		From:       from,
		To:         next,
		Result:     sub.Result,
	}, nil
}

// Pause stops future evidence submissions from mutating the workflow.
// Pausing an already-paused workflow is a no-op.
func (e *Engine) Pause(id string) error {
	return e.setPaused(id, true)
}

// Resume re-enables evidence submissions.
func (e *Engine) Resume(id string) error {
	return e.setPaused(id, false)
}

func (e *Engine) setPaused(id string, paused bool) error {
	unlock := e.locks.lock(id)
	defer unlock()

	wf, err := e.Get(id)
	if err != nil {
		return err
	}
	if wf.Paused == paused {
		return nil
	}
	wf.Paused = paused
	wf.UpdatedAt = e.now().UTC()
	return e.store.Save(wf)
}

// Override forces the workflow into nextState, bypassing gates. The
// history result keeps the literal "override:<reason>" form; downstream
// consumers parse the prefix.
func (e *Engine) Override(id, nextState, reason string) error {
	unlock := e.locks.lock(id)
	defer unlock()

	wf, err := e.Get(id)
	if err != nil {
		return err
	}
	def, ok := e.defs.Get(wf.WorkflowType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingDefinition, wf.WorkflowType)
	}
	if !def.HasState(nextState) {
		return fmt.Errorf("%w: %q", ErrUnknownState, nextState)
	}
	wf.RetryCount = 0
	e.moveState(wf, nextState, "override:"+reason)
	if err := e.store.Save(wf); err != nil {
		return err
	}
	e.logger.Info("workflow overridden",
		slog.String("workflow_id", id),
		slog.String("to", nextState),
		slog.String("reason", reason))
	return nil
}

// moveState is the transition primitive: finalize the last history
// entry, switch the current state, append the new entry, and publish
// the transition event. Callers persist.
func (e *Engine) moveState(wf *store.State, next, result string) {
	now := e.now().UTC()
	from := wf.CurrentState
	if last := wf.LastHistory(); last != nil {
		exited := now
		last.ExitedAt = &exited
		last.Result = result
	}
	wf.CurrentState = next
	wf.History = append(wf.History, store.HistoryEntry{
		State:     next,
		EnteredAt: now,
	})
	wf.UpdatedAt = now
	e.events.Publish(event.Transition{
		WorkflowID:   wf.WorkflowID,
		WorkflowType: wf.WorkflowType,
		From:         from,
		To:           next,
		Result:       result,
		At:           now,
	})
}

// verifyCommand runs a gate verify command and compares its exit code
// with the expected one.
func (e *Engine) verifyCommand(ctx context.Context, wf *store.State, spec *definition.CommandSpec) bool {
	code, err := e.runner.Run(ctx, spec.Command, map[string]string{
		"ORCHESTRA_WORKFLOW_ID": wf.WorkflowID,
		"ORCHESTRA_STATE":       wf.CurrentState,
	})
	if err != nil {
		e.logger.Warn("verify command failed to run",
			slog.String("workflow_id", wf.WorkflowID),
			slog.String("command", spec.Command),
			slog.String("error", err.Error()))
		return false
	}
	return code == spec.ExpectExitCode
}

func copyEvidence(evidence map[string]any) map[string]any {
	out := make(map[string]any, len(evidence)+4)
	for key, val := range evidence {
		out[key] = val
	}
	return out
}
