package definition

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// GateKind discriminates the three gate variants.
type GateKind string

const (
	// GateEvidence validates submitted evidence against a field schema,
	// optionally followed by a verify command.
	GateEvidence GateKind = "evidence"
	// GateVerdict accepts a submission whose result is one of a fixed
	// option set.
	GateVerdict GateKind = "verdict"
	// GateCommand runs a verify command and checks its exit code.
	GateCommand GateKind = "command"
)

// SchemaField is one declared evidence field. Order matters: validation
// errors are reported in declaration order.
type SchemaField struct {
	Name string
	Type string
}

// CommandSpec is a shell command plus the exit code that counts as
// success (zero when unset).
type CommandSpec struct {
	Command        string `yaml:"command" json:"command"`
	ExpectExitCode int    `yaml:"expect_exit_code" json:"expect_exit_code"`
}

// Gate guards a state transition. Exactly one variant's fields are set,
// per Kind; Verify is shared by the evidence and command variants.
type Gate struct {
	Kind    GateKind
	Schema  []SchemaField
	Verify  *CommandSpec
	Options []string
}

// SchemaType returns the declared type for a field name.
func (g *Gate) SchemaType(name string) (string, bool) {
	for _, f := range g.Schema {
		if f.Name == name {
			return f.Type, true
		}
	}
	return "", false
}

// AllowsResult reports whether a verdict gate accepts the result string.
func (g *Gate) AllowsResult(result string) bool {
	for _, opt := range g.Options {
		if opt == result {
			return true
		}
	}
	return false
}

// UnmarshalYAML discriminates the gate variant by its present keys:
// options → verdict, schema → evidence (verify optional), bare verify →
// command.
func (g *Gate) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("gate: expected mapping, got %s", nodeKind(node))
	}
	var (
		schemaNode *yaml.Node
		hasOptions bool
	)
	for i := 0; i < len(node.Content)-1; i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "schema":
			schemaNode = val
		case "options":
			hasOptions = true
			if err := val.Decode(&g.Options); err != nil {
				return fmt.Errorf("gate options: %w", err)
			}
		case "verify":
			g.Verify = &CommandSpec{}
			if err := val.Decode(g.Verify); err != nil {
				return fmt.Errorf("gate verify: %w", err)
			}
		}
	}
	switch {
	case hasOptions:
		g.Kind = GateVerdict
		if len(g.Options) == 0 {
			return fmt.Errorf("verdict gate: options must be non-empty")
		}
	case schemaNode != nil:
		g.Kind = GateEvidence
		schema, err := decodeSchema(schemaNode)
		if err != nil {
			return err
		}
		g.Schema = schema
	case g.Verify != nil:
		g.Kind = GateCommand
	default:
		return fmt.Errorf("gate: requires schema, options, or verify")
	}
	return nil
}

func decodeSchema(node *yaml.Node) ([]SchemaField, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("gate schema: expected mapping, got %s", nodeKind(node))
	}
	fields := make([]SchemaField, 0, len(node.Content)/2)
	for i := 0; i < len(node.Content)-1; i += 2 {
		fields = append(fields, SchemaField{
			Name: node.Content[i].Value,
			Type: node.Content[i+1].Value,
		})
	}
	return fields, nil
}
