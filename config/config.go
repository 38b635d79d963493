// Package config provides configuration loading and management for
// orchestra, with layered precedence: defaults, then the user config,
// then the project config.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/c360studio/orchestra/definition"
	"gopkg.in/yaml.v3"
)

// Project layout names.
const (
	// ProjectDir is the per-repository configuration directory.
	ProjectDir = ".orchestra"
	// ProjectConfigFile is the config file inside ProjectDir.
	ProjectConfigFile = "config.yaml"
	// WorkflowsDir holds project workflow definitions inside ProjectDir.
	WorkflowsDir = "workflows.d"
	// AgentsDir holds agent definition overrides inside ProjectDir.
	AgentsDir = "agents.d"
	// PersonasDir holds persona markdown files inside ProjectDir.
	PersonasDir = "personas"
	// StateDir is the default runtime root inside ProjectDir.
	StateDir = "state"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/orchestra"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// RoleOverride replaces explicit fields of a definition's role. Empty
// fields leave the definition's value in place. PersonaTags, combined
// with the team roster, builds a persona pool from members whose tags
// intersect it.
type RoleOverride struct {
	Agent       string                `yaml:"agent"`
	Persona     string                `yaml:"persona"`
	PersonaPool []string              `yaml:"persona_pool"`
	PersonaFrom string                `yaml:"persona_from"`
	PersonaTags []string              `yaml:"persona_tags"`
	Tools       []string              `yaml:"tools"`
	FileScope   *definition.FileScope `yaml:"file_scope"`
}

// TeamMember is one entry of the project roster.
type TeamMember struct {
	Name    string   `yaml:"name"`
	Persona string   `yaml:"persona"`
	Tags    []string `yaml:"tags"`
}

// HasTag reports whether the member carries any of the given tags.
func (m TeamMember) HasTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range m.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// BusConfig tunes the message bus.
type BusConfig struct {
	// InboxTimeoutSeconds bounds the inbox long-poll (default 10).
	InboxTimeoutSeconds int `yaml:"inbox_timeout_seconds"`
	// InboxBatch caps messages returned per poll (default 10).
	InboxBatch int `yaml:"inbox_batch"`
}

// AutopilotConfig tunes the per-workflow dispatch poller.
type AutopilotConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
}

// EventsConfig configures the optional transition event feed. The feed
// is disabled when NATSURL is empty.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Config represents the complete orchestra configuration.
type Config struct {
	LogLevel      string                  `yaml:"log_level"`
	Root          string                  `yaml:"root"`
	WorkflowDirs  []string                `yaml:"workflow_dirs"`
	Bus           BusConfig               `yaml:"bus"`
	Autopilot     AutopilotConfig         `yaml:"autopilot"`
	Events        EventsConfig            `yaml:"events"`
	RoleOverrides map[string]RoleOverride `yaml:"role_overrides"`
	Team          []TeamMember            `yaml:"team"`
	Slots         map[string]string       `yaml:"slots"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Bus: BusConfig{
			InboxTimeoutSeconds: 10,
			InboxBatch:          10,
		},
		Autopilot: AutopilotConfig{
			PollIntervalSeconds: 5,
		},
		Events: EventsConfig{
			SubjectPrefix: "orchestra.workflow",
		},
	}
}

// Merge overlays the non-zero fields of other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Root != "" {
		c.Root = other.Root
	}
	if len(other.WorkflowDirs) > 0 {
		c.WorkflowDirs = other.WorkflowDirs
	}
	if other.Bus.InboxTimeoutSeconds > 0 {
		c.Bus.InboxTimeoutSeconds = other.Bus.InboxTimeoutSeconds
	}
	if other.Bus.InboxBatch > 0 {
		c.Bus.InboxBatch = other.Bus.InboxBatch
	}
	if other.Autopilot.Enabled {
		c.Autopilot.Enabled = true
	}
	if other.Autopilot.PollIntervalSeconds > 0 {
		c.Autopilot.PollIntervalSeconds = other.Autopilot.PollIntervalSeconds
	}
	if other.Events.NATSURL != "" {
		c.Events.NATSURL = other.Events.NATSURL
	}
	if other.Events.SubjectPrefix != "" {
		c.Events.SubjectPrefix = other.Events.SubjectPrefix
	}
	if len(other.RoleOverrides) > 0 {
		if c.RoleOverrides == nil {
			c.RoleOverrides = make(map[string]RoleOverride, len(other.RoleOverrides))
		}
		for name, override := range other.RoleOverrides {
			c.RoleOverrides[name] = override
		}
	}
	if len(other.Team) > 0 {
		c.Team = other.Team
	}
	if len(other.Slots) > 0 {
		if c.Slots == nil {
			c.Slots = make(map[string]string, len(other.Slots))
		}
		for slot, workflow := range other.Slots {
			c.Slots[slot] = workflow
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Bus.InboxTimeoutSeconds <= 0 {
		return fmt.Errorf("bus.inbox_timeout_seconds must be positive")
	}
	if c.Autopilot.PollIntervalSeconds <= 0 {
		return fmt.Errorf("autopilot.poll_interval_seconds must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// SaveToFile writes the config to a YAML file, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
