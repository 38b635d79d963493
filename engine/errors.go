package engine

import "errors"

// Structural faults in definitions or referenced ids are fatal to the
// operation that hits them; gate outcomes are runtime signals and drive
// the retry machinery instead of surfacing here.
var (
	// ErrUnknownWorkflow is returned by Start for a type not in the registry.
	ErrUnknownWorkflow = errors.New("unknown workflow type")
	// ErrUnknownInstance is returned when a workflow id has no state.
	ErrUnknownInstance = errors.New("unknown workflow instance")
	// ErrUnknownState is returned when a runtime state names an
	// undeclared state.
	ErrUnknownState = errors.New("unknown state")
	// ErrNoStates is returned by Start when the definition declares no states.
	ErrNoStates = errors.New("workflow has no states")
	// ErrNoTransition is returned when a success or escalation path has
	// no matching destination.
	ErrNoTransition = errors.New("no transition for result")
	// ErrMissingDefinition is returned when a runtime references a type
	// whose definition was not reloaded.
	ErrMissingDefinition = errors.New("workflow definition missing")
	// ErrUnrecognizedStateKind is returned for a state variant the
	// engine cannot interpret.
	ErrUnrecognizedStateKind = errors.New("unrecognized state kind")
	// ErrSubworkflowSlotMissing is returned when a $slot reference
	// resolves to nothing.
	ErrSubworkflowSlotMissing = errors.New("subworkflow slot missing")
	// ErrRoleUndefined is returned when an agent state's assignee is
	// not a declared role.
	ErrRoleUndefined = errors.New("role undefined")
)
