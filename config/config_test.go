package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestMergeOverlaysNonZeroFields(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		LogLevel: "debug",
		Root:     "/tmp/orchestra-state",
		Bus:      BusConfig{InboxBatch: 25},
		Slots:    map[string]string{"review_flow": "code_review"},
	})

	assert.Equal(t, "debug", base.LogLevel)
	assert.Equal(t, "/tmp/orchestra-state", base.Root)
	assert.Equal(t, 25, base.Bus.InboxBatch)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, base.Bus.InboxTimeoutSeconds)
	assert.Equal(t, "code_review", base.Slots["review_flow"])
}

func TestMergeRoleOverridesAccumulate(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{RoleOverrides: map[string]RoleOverride{
		"developer": {Persona: "alice"},
	}})
	base.Merge(&Config{RoleOverrides: map[string]RoleOverride{
		"reviewer": {Persona: "bob"},
	}})

	assert.Len(t, base.RoleOverrides, 2)
	assert.Equal(t, "alice", base.RoleOverrides["developer"].Persona)
}

func TestMergeNilIsNoop(t *testing.T) {
	base := DefaultConfig()
	base.Merge(nil)
	assert.Equal(t, "info", base.LogLevel)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"zero inbox timeout", func(c *Config) { c.Bus.InboxTimeoutSeconds = 0 }},
		{"zero poll interval", func(c *Config) { c.Autopilot.PollIntervalSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	cfg.Team = []TeamMember{{Name: "alice", Persona: "alice", Tags: []string{"backend"}}}
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", loaded.LogLevel)
	require.Len(t, loaded.Team, 1)
	assert.Equal(t, "alice", loaded.Team[0].Name)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestTeamMemberHasTag(t *testing.T) {
	member := TeamMember{Name: "alice", Tags: []string{"backend", "infra"}}
	assert.True(t, member.HasTag([]string{"frontend", "infra"}))
	assert.False(t, member.HasTag([]string{"frontend"}))
	assert.False(t, member.HasTag(nil))
}
