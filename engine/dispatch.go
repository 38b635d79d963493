package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/store"
)

// DispatchResult reports what acting on the current state did.
// Dispatched is true only when an agent was launched.
type DispatchResult struct {
	Dispatched bool   `json:"dispatched"`
	Details    string `json:"details"`
}

// DispatchCurrentState acts on the workflow's current state: launch an
// agent, run action commands, propagate a terminal result to the
// parent, or spawn a subworkflow. Cascading work (dispatching a spawned
// child, moving a parent) runs after the workflow's own lock is
// released, so parent/child lock ordering cannot deadlock.
func (e *Engine) DispatchCurrentState(ctx context.Context, id string) (DispatchResult, error) {
	unlock := e.locks.lock(id)
	res, follow, err := e.dispatchLocked(ctx, id)
	unlock()
	if err != nil || follow == nil {
		return res, err
	}
	if err := follow(); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) dispatchLocked(ctx context.Context, id string) (DispatchResult, func() error, error) {
	wf, err := e.Get(id)
	if err != nil {
		return DispatchResult{}, nil, err
	}
	if wf.Paused {
		return DispatchResult{Details: "paused"}, nil, nil
	}
	def, ok := e.defs.Get(wf.WorkflowType)
	if !ok {
		return DispatchResult{}, nil, fmt.Errorf("%w: %q", ErrMissingDefinition, wf.WorkflowType)
	}
	stateDef, ok := def.State(wf.CurrentState)
	if !ok {
		return DispatchResult{}, nil, fmt.Errorf("%w: %q", ErrUnknownState, wf.CurrentState)
	}
	e.metrics.incDispatch(string(stateDef.Kind))

	switch stateDef.Kind {
	case definition.KindAgent:
		res, err := e.dispatchAgent(ctx, wf, def, stateDef)
		return res, nil, err
	case definition.KindAction:
		res, err := e.dispatchAction(ctx, wf, def, stateDef)
		if err != nil {
			return res, nil, err
		}
		// Chain into the next state unless it waits on an agent, so
		// action -> terminal and action -> action sequences complete in
		// one dispatch.
		if next, ok := def.State(wf.CurrentState); ok && next.Kind != definition.KindAgent {
			return res, func() error {
				_, err := e.DispatchCurrentState(ctx, id)
				return err
			}, nil
		}
		return res, nil, nil
	case definition.KindTerminal:
		res := DispatchResult{Details: "terminal: " + stateDef.Result}
		if wf.Parent == nil {
			return res, nil, nil
		}
		child := wf
		terminal := stateDef
		return res, func() error {
			return e.propagateCompletion(ctx, child, terminal)
		}, nil
	case definition.KindSubworkflow:
		return e.dispatchSubworkflow(ctx, wf, stateDef)
	default:
		return DispatchResult{}, nil, fmt.Errorf("%w: state %q", ErrUnrecognizedStateKind, wf.CurrentState)
	}
}

// dispatchAgent resolves the effective role and persona and hands the
// launch to the configured launcher.
func (e *Engine) dispatchAgent(ctx context.Context, wf *store.State, def *definition.Definition, stateDef *definition.State) (DispatchResult, error) {
	base, ok := def.Roles[stateDef.Assign]
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %q on state %q", ErrRoleUndefined, stateDef.Assign, stateDef.Name)
	}
	role := e.effectiveRole(stateDef.Assign, base)
	persona := e.resolvePersona(def, wf, stateDef.Assign, role)
	if e.launcher == nil {
		return DispatchResult{}, fmt.Errorf("no agent launcher configured")
	}
	if err := e.launcher.Launch(ctx, LaunchRequest{
		Workflow:   wf,
		Definition: def,
		State:      stateDef,
		RoleName:   stateDef.Assign,
		Role:       role,
		Persona:    persona,
	}); err != nil {
		return DispatchResult{}, fmt.Errorf("launch agent for state %q: %w", stateDef.Name, err)
	}
	e.logger.Info("agent dispatched",
		slog.String("workflow_id", wf.WorkflowID),
		slog.String("state", stateDef.Name),
		slog.String("role", stateDef.Assign),
		slog.String("persona", persona))
	return DispatchResult{
		Dispatched: true,
		Details:    fmt.Sprintf("agent: %s-%s", wf.WorkflowID, stateDef.Assign),
	}, nil
}

// dispatchAction runs the state's commands in order and advances
// through pass when everything (including the optional command gate)
// exits clean, or escalates through fail otherwise.
func (e *Engine) dispatchAction(ctx context.Context, wf *store.State, def *definition.Definition, stateDef *definition.State) (DispatchResult, error) {
	env := map[string]string{
		"ORCHESTRA_WORKFLOW_ID": wf.WorkflowID,
		"ORCHESTRA_STATE":       wf.CurrentState,
	}
	succeeded := true
	for _, command := range stateDef.Commands {
		code, err := e.runner.Run(ctx, command, env)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("run action command: %w", err)
		}
		if code != 0 {
			e.logger.Warn("action command failed",
				slog.String("workflow_id", wf.WorkflowID),
				slog.String("command", command),
				slog.Int("exit_code", code))
			succeeded = false
			break
		}
	}
	if succeeded && stateDef.Gate != nil && stateDef.Gate.Verify != nil {
		succeeded = e.verifyCommand(ctx, wf, stateDef.Gate.Verify)
	}

	var next, result string
	if succeeded {
		next = stateDef.Transitions[ResultPass]
		result = ResultPass
		if next == "" {
			return DispatchResult{}, fmt.Errorf("%w: action state %q has no pass transition", ErrNoTransition, stateDef.Name)
		}
	} else {
		next = stateDef.Transitions[ResultFail]
		result = ResultFail
		if next == "" {
			next = definition.EscalateState
		}
		if !def.HasState(next) {
			return DispatchResult{}, fmt.Errorf("%w: escalation target %q for action state %q", ErrNoTransition, next, stateDef.Name)
		}
	}
	e.moveState(wf, next, result)
	if err := e.store.Save(wf); err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{Details: fmt.Sprintf("action: %s, moved to %s", result, next)}, nil
}

// dispatchSubworkflow starts the child workflow, cross-links parent and
// child, and defers the child's initial dispatch until the parent lock
// is released.
func (e *Engine) dispatchSubworkflow(ctx context.Context, wf *store.State, stateDef *definition.State) (DispatchResult, func() error, error) {
	childType, err := e.resolveSubworkflowName(wf, stateDef.Workflow)
	if err != nil {
		return DispatchResult{}, nil, err
	}
	childParams := make(map[string]any, len(stateDef.InputMap))
	for childParam, path := range stateDef.InputMap {
		value, ok := resolveDottedPath(wf, path)
		if !ok {
			e.logger.Debug("input_map path unresolved",
				slog.String("workflow_id", wf.WorkflowID),
				slog.String("path", path))
			continue
		}
		childParams[childParam] = value
	}

	child, err := e.Start(childType, childParams)
	if err != nil {
		return DispatchResult{}, nil, fmt.Errorf("start subworkflow %q: %w", childType, err)
	}
	child.Parent = &store.ParentRef{WorkflowID: wf.WorkflowID, State: wf.CurrentState}
	if err := e.store.Save(child); err != nil {
		return DispatchResult{}, nil, err
	}
	if wf.Children == nil {
		wf.Children = make(map[string]string)
	}
	wf.Children[wf.CurrentState] = child.WorkflowID
	wf.UpdatedAt = e.now().UTC()
	if err := e.store.Save(wf); err != nil {
		return DispatchResult{}, nil, err
	}
	e.logger.Info("subworkflow started",
		slog.String("workflow_id", wf.WorkflowID),
		slog.String("state", wf.CurrentState),
		slog.String("child_id", child.WorkflowID))

	childID := child.WorkflowID
	follow := func() error {
		_, err := e.DispatchCurrentState(ctx, childID)
		return err
	}
	return DispatchResult{Details: "subworkflow: started " + childID}, follow, nil
}

// resolveSubworkflowName resolves a literal name or a "$slot" reference
// against params.slots, falling back to the project slot defaults.
func (e *Engine) resolveSubworkflowName(wf *store.State, name string) (string, error) {
	if !strings.HasPrefix(name, "$") {
		return name, nil
	}
	slot := strings.TrimPrefix(name, "$")
	if slots, ok := wf.Params["slots"].(map[string]any); ok {
		if resolved, ok := slots[slot].(string); ok && resolved != "" {
			return resolved, nil
		}
	}
	if resolved, ok := e.cfg.Slots[slot]; ok && resolved != "" {
		return resolved, nil
	}
	return "", fmt.Errorf("%w: %q", ErrSubworkflowSlotMissing, slot)
}

// propagateCompletion folds a child's terminal result into the parent's
// subworkflow evidence and moves the parent, then dispatches the
// parent's new state so completions cascade upward.
func (e *Engine) propagateCompletion(ctx context.Context, child *store.State, terminal *definition.State) error {
	childResult := terminal.Result
	if childResult == "" {
		childResult = definition.ResultFailure
	}
	parentRef := *child.Parent

	unlock := e.locks.lock(parentRef.WorkflowID)
	parent, err := e.Get(parentRef.WorkflowID)
	if err != nil {
		unlock()
		return err
	}
	def, ok := e.defs.Get(parent.WorkflowType)
	if !ok {
		unlock()
		return fmt.Errorf("%w: %q", ErrMissingDefinition, parent.WorkflowType)
	}
	stateDef, ok := def.State(parentRef.State)
	if !ok || stateDef.Kind != definition.KindSubworkflow {
		unlock()
		return nil
	}
	if parent.CurrentState != parentRef.State {
		// Parent was moved on (override, another completion); the
		// child's result no longer applies.
		e.logger.Warn("stale subworkflow completion ignored",
			slog.String("workflow_id", parent.WorkflowID),
			slog.String("spawning_state", parentRef.State),
			slog.String("current_state", parent.CurrentState))
		unlock()
		return nil
	}

	ev := parent.StateEvidence(parentRef.State)
	ev["child_workflow_id"] = child.WorkflowID
	ev["child_workflow_type"] = child.WorkflowType
	ev["child_result"] = childResult
	ev["child_evidence"] = child.Evidence

	next := stateDef.Transitions[childResult]
	if next == "" {
		next = stateDef.Transitions[ResultPass]
	}
	if next == "" {
		unlock()
		return fmt.Errorf("%w: subworkflow state %q child result %q", ErrNoTransition, parentRef.State, childResult)
	}
	parent.RetryCount = 0
	e.moveState(parent, next, childResult)
	if err := e.store.Save(parent); err != nil {
		unlock()
		return err
	}
	unlock()

	e.logger.Info("subworkflow completed",
		slog.String("workflow_id", parent.WorkflowID),
		slog.String("child_id", child.WorkflowID),
		slog.String("child_result", childResult),
		slog.String("to", next))
	_, err = e.DispatchCurrentState(ctx, parent.WorkflowID)
	return err
}

// resolveDottedPath walks a dotted path against the runtime. Supported
// roots: params.*, evidence.*.
func resolveDottedPath(wf *store.State, path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var current any
	switch parts[0] {
	case "params":
		current = wf.Params
	case "evidence":
		generic := make(map[string]any, len(wf.Evidence))
		for state, ev := range wf.Evidence {
			generic[state] = ev
		}
		current = generic
	default:
		return nil, false
	}
	for _, part := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
