package definition

import "fmt"

// Validate checks the structural invariants of a loaded definition:
// every transition target resolves to a declared state, the explicit
// initial state exists, agent states name declared roles, terminal
// states carry a recognized result, and subworkflow states name a
// target workflow.
//
// The default escalation target is deliberately not checked here; a
// missing ESCALATE state only matters when an escalation actually fires
// and surfaces there as a no-transition error.
func Validate(d *Definition) error {
	if d.Name == "" {
		return fmt.Errorf("definition has no name")
	}
	if d.InitialState != "" && !d.HasState(d.InitialState) {
		return fmt.Errorf("workflow %q: initial_state %q is not a declared state", d.Name, d.InitialState)
	}
	for i := range d.States {
		if err := validateState(d, &d.States[i]); err != nil {
			return fmt.Errorf("workflow %q: %w", d.Name, err)
		}
	}
	return nil
}

func validateState(d *Definition, s *State) error {
	for result, target := range s.Transitions {
		if target == EscalateState {
			// Resolved at escalation time; absence surfaces as a
			// no-transition error on the run, not at load.
			continue
		}
		if !d.HasState(target) {
			return fmt.Errorf("state %q: transition %q targets undeclared state %q", s.Name, result, target)
		}
	}
	switch s.Kind {
	case KindAgent:
		if _, ok := d.Roles[s.Assign]; !ok {
			return fmt.Errorf("state %q: assigned role %q is not declared", s.Name, s.Assign)
		}
	case KindAction:
		if len(s.Commands) == 0 {
			return fmt.Errorf("state %q: action state has no commands", s.Name)
		}
		if s.Gate != nil && s.Gate.Kind != GateCommand {
			return fmt.Errorf("state %q: action state gate must be a command gate", s.Name)
		}
	case KindTerminal:
		if s.Result != ResultSuccess && s.Result != ResultFailure {
			return fmt.Errorf("state %q: terminal result must be %q or %q, got %q",
				s.Name, ResultSuccess, ResultFailure, s.Result)
		}
	case KindSubworkflow:
		if s.Workflow == "" {
			return fmt.Errorf("state %q: subworkflow state names no workflow", s.Name)
		}
	}
	return nil
}
