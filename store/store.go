package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// ErrNotFound is returned when a workflow has no state file.
var ErrNotFound = errors.New("workflow state not found")

// Directory and file names under the root.
const (
	WorkflowsDir = "workflows"
	RuntimeDir   = "runtime"
	EvidenceDir  = "evidence"
	StateFile    = "state.json"
)

// Store reads and writes workflow state files. Each single-workflow
// write is atomic (write-temp then rename); writes are not transactional
// across workflows.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a store rooted at dir.
func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger}
}

// Root returns the root directory.
func (st *Store) Root() string {
	return st.root
}

// RuntimePath returns the scratch directory for one agent.
func (st *Store) RuntimePath(agentID string) string {
	return filepath.Join(st.root, RuntimeDir, agentID)
}

// WorkflowPath returns the directory holding one workflow's state file.
func (st *Store) WorkflowPath(id string) string {
	return filepath.Join(st.root, WorkflowsDir, id)
}

// Ensure creates the root directory structure idempotently.
func (st *Store) Ensure() error {
	for _, dir := range []string{
		filepath.Join(st.root, WorkflowsDir),
		filepath.Join(st.root, RuntimeDir),
		filepath.Join(st.root, EvidenceDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Save atomically writes the state file for one workflow. A crash never
// leaves a half-written state.json: the JSON lands in a temp file in the
// same directory and is renamed into place.
func (st *Store) Save(state *State) error {
	if state.WorkflowID == "" {
		return fmt.Errorf("save workflow state: empty workflow_id")
	}
	dir := st.WorkflowPath(state.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflow directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode workflow state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, StateFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Load reads one workflow's state. Returns ErrNotFound when the file is
// absent.
func (st *Store) Load(id string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(st.WorkflowPath(id), StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read workflow state %s: %w", id, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode workflow state %s: %w", id, err)
	}
	return &state, nil
}

// List returns every saved workflow sorted by created_at ascending.
// Directories without a state.json are silently skipped; they are
// partial creates, not errors.
func (st *Store) List() ([]*State, error) {
	entries, err := os.ReadDir(filepath.Join(st.root, WorkflowsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflows directory: %w", err)
	}
	states := make([]*State, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := st.Load(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			st.logger.Warn("skipping unreadable workflow state",
				slog.String("workflow_id", entry.Name()),
				slog.String("error", err.Error()))
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states, nil
}
