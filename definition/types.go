// Package definition loads and indexes declarative workflow definitions.
//
// A definition describes a named state machine: the roles that do its work,
// the states it moves through, the gates that guard each transition, and the
// parameters a run is started with. Definitions are immutable after load;
// the engine only ever reads them.
package definition

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StateKind discriminates the four state variants.
type StateKind string

const (
	// KindAgent states hand work to an external agent and wait for evidence.
	KindAgent StateKind = "agent"
	// KindAction states run a fixed command sequence synchronously.
	KindAction StateKind = "action"
	// KindTerminal states end the workflow with a success or failure result.
	KindTerminal StateKind = "terminal"
	// KindSubworkflow states delegate to a child workflow.
	KindSubworkflow StateKind = "subworkflow"
)

// Terminal results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// EscalateState is the default escalation target when a state has no
// explicit fail transition.
const EscalateState = "ESCALATE"

// Definition is one loaded workflow definition. States and params keep
// their declaration order; the first declared state is the initial state
// when initial_state is not set.
type Definition struct {
	Name         string
	Description  string
	InitialState string
	Params       []Param
	Roles        map[string]Role
	States       []State

	stateIndex map[string]int
}

// Param declares one start parameter.
type Param struct {
	Name     string
	Type     string
	Required bool
	Default  any
}

// FileScope bounds what an agent may touch on disk.
type FileScope struct {
	Writable []string `yaml:"writable" json:"writable"`
	Readable []string `yaml:"readable" json:"readable"`
}

// Role maps a state's assignee to an agent capability, persona policy,
// tool set, and file scope. At most one of Persona, PersonaPool, and
// PersonaFrom takes effect per dispatch; the engine applies the
// resolution order.
type Role struct {
	Agent         string    `yaml:"agent"`
	Persona       string    `yaml:"persona"`
	PersonaPool   []string  `yaml:"persona_pool"`
	PersonaFrom   string    `yaml:"persona_from"`
	Tools         []string  `yaml:"tools"`
	FileScope     FileScope `yaml:"file_scope"`
	FreshPerState bool      `yaml:"fresh_per_state"`
}

// State is the tagged union of the four variants. Kind decides which
// fields are meaningful.
type State struct {
	Name string
	Kind StateKind

	// Agent variant.
	Assign     string
	Gate       *Gate
	MaxRetries int
	InputFrom  string

	// Action variant. Gate, when present, is a command gate.
	Commands []string

	// Terminal variant.
	Result string
	Action string

	// Subworkflow variant. Workflow is a literal name or a "$slot"
	// reference resolved from params.slots at dispatch time.
	Workflow string
	InputMap map[string]string

	// Shared by agent, action, and subworkflow variants.
	Transitions map[string]string
}

// IsTerminal reports whether the state ends the workflow.
func (s *State) IsTerminal() bool {
	return s.Kind == KindTerminal
}

// State returns the named state definition.
func (d *Definition) State(name string) (*State, bool) {
	i, ok := d.stateIndex[name]
	if !ok {
		return nil, false
	}
	return &d.States[i], true
}

// HasState reports whether name is a declared state.
func (d *Definition) HasState(name string) bool {
	_, ok := d.stateIndex[name]
	return ok
}

// Initial returns the initial state name: initial_state when set,
// otherwise the first state in declaration order. Empty when the
// definition has no states.
func (d *Definition) Initial() string {
	if d.InitialState != "" {
		return d.InitialState
	}
	if len(d.States) == 0 {
		return ""
	}
	return d.States[0].Name
}

// rawState carries every field of every variant; kind resolution happens
// after decode, where the state name is known.
type rawState struct {
	Type        string            `yaml:"type"`
	Assign      string            `yaml:"assign"`
	Gate        *Gate             `yaml:"gate"`
	Transitions map[string]string `yaml:"transitions"`
	MaxRetries  int               `yaml:"max_retries"`
	InputFrom   string            `yaml:"input_from"`
	Commands    []string          `yaml:"commands"`
	Result      string            `yaml:"result"`
	Action      string            `yaml:"action"`
	Workflow    string            `yaml:"workflow"`
	InputMap    map[string]string `yaml:"input_map"`
}

// resolve discriminates the variant. Presence of assign wins; otherwise
// the explicit type tag must name a known variant.
func (r *rawState) resolve(name string) (State, error) {
	s := State{
		Name:        name,
		Assign:      r.Assign,
		Gate:        r.Gate,
		Transitions: r.Transitions,
		MaxRetries:  r.MaxRetries,
		InputFrom:   r.InputFrom,
		Commands:    r.Commands,
		Result:      r.Result,
		Action:      r.Action,
		Workflow:    r.Workflow,
		InputMap:    r.InputMap,
	}
	switch {
	case r.Assign != "":
		s.Kind = KindAgent
	case r.Type == string(KindAction):
		s.Kind = KindAction
	case r.Type == string(KindTerminal):
		s.Kind = KindTerminal
	case r.Type == string(KindSubworkflow):
		s.Kind = KindSubworkflow
	default:
		return State{}, fmt.Errorf("state %q: unrecognized kind (no assign and type %q)", name, r.Type)
	}
	return s, nil
}

// UnmarshalYAML decodes a definition while preserving the declaration
// order of params and states, which map decoding would lose.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("definition: expected mapping, got %s", nodeKind(node))
	}
	for i := 0; i < len(node.Content)-1; i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "name":
			d.Name = val.Value
		case "description":
			d.Description = val.Value
		case "initial_state":
			d.InitialState = val.Value
		case "params":
			params, err := decodeParams(val)
			if err != nil {
				return err
			}
			d.Params = params
		case "roles":
			if err := val.Decode(&d.Roles); err != nil {
				return fmt.Errorf("roles: %w", err)
			}
		case "states":
			states, index, err := decodeStates(val)
			if err != nil {
				return err
			}
			d.States = states
			d.stateIndex = index
		}
	}
	if d.stateIndex == nil {
		d.stateIndex = map[string]int{}
	}
	return nil
}

func decodeParams(node *yaml.Node) ([]Param, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("params: expected mapping, got %s", nodeKind(node))
	}
	params := make([]Param, 0, len(node.Content)/2)
	for i := 0; i < len(node.Content)-1; i += 2 {
		var spec struct {
			Type     string `yaml:"type"`
			Required bool   `yaml:"required"`
			Default  any    `yaml:"default"`
		}
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return nil, fmt.Errorf("param %q: %w", node.Content[i].Value, err)
		}
		params = append(params, Param{
			Name:     node.Content[i].Value,
			Type:     spec.Type,
			Required: spec.Required,
			Default:  spec.Default,
		})
	}
	return params, nil
}

func decodeStates(node *yaml.Node) ([]State, map[string]int, error) {
	if node.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("states: expected mapping, got %s", nodeKind(node))
	}
	states := make([]State, 0, len(node.Content)/2)
	index := make(map[string]int, len(node.Content)/2)
	for i := 0; i < len(node.Content)-1; i += 2 {
		name := node.Content[i].Value
		var raw rawState
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("state %q: %w", name, err)
		}
		state, err := raw.resolve(name)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := index[name]; dup {
			return nil, nil, fmt.Errorf("state %q declared twice", name)
		}
		index[name] = len(states)
		states = append(states, state)
	}
	return states, index, nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
