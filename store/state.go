// Package store persists workflow runtime state under a root directory.
//
// Layout: <root>/workflows/<workflow_id>/state.json, with sibling
// runtime/ (agent scratch space) and evidence/ directories. Every read
// is a fresh deserialization; there is no in-memory cache.
package store

import (
	"encoding/json"
	"time"
)

// ParentRef links a child workflow back to the parent state that
// spawned it.
type ParentRef struct {
	WorkflowID string `json:"workflow_id"`
	State      string `json:"state"`
}

// HistoryEntry records one visit to a state. Entries append on entry,
// mutate in place on gate failure, and are finalized when the state is
// left.
type HistoryEntry struct {
	State       string     `json:"state"`
	EnteredAt   time.Time  `json:"entered_at"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Retries     int        `json:"retries"`
	LastFailure string     `json:"last_failure,omitempty"`
}

// State is the mutable, persisted record of one workflow's progression.
// Unknown JSON fields survive a load/save round-trip via Extra.
type State struct {
	WorkflowID   string                    `json:"workflow_id"`
	WorkflowType string                    `json:"workflow_type"`
	CurrentState string                    `json:"current_state"`
	RetryCount   int                       `json:"retry_count"`
	Paused       bool                      `json:"paused"`
	Params       map[string]any            `json:"params"`
	Evidence     map[string]map[string]any `json:"evidence"`
	Metrics      map[string]any            `json:"metrics,omitempty"`
	History      []HistoryEntry            `json:"history"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	Parent       *ParentRef                `json:"parent,omitempty"`
	Children     map[string]string         `json:"children,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownStateFields mirrors the json tags above; anything else found in
// a state file lands in Extra.
var knownStateFields = []string{
	"workflow_id", "workflow_type", "current_state", "retry_count",
	"paused", "params", "evidence", "metrics", "history",
	"created_at", "updated_at", "parent", "children",
}

// LastHistory returns the most recent history entry, or nil when the
// history is empty (which only a hand-edited file can produce).
func (s *State) LastHistory() *HistoryEntry {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// StateEvidence returns the evidence recorded for a state, allocating
// the maps on first use.
func (s *State) StateEvidence(state string) map[string]any {
	if s.Evidence == nil {
		s.Evidence = make(map[string]map[string]any)
	}
	ev, ok := s.Evidence[state]
	if !ok {
		ev = make(map[string]any)
		s.Evidence[state] = ev
	}
	return ev
}

// UnmarshalJSON decodes the known fields and keeps everything else in
// Extra so foreign annotations round-trip.
func (s *State) UnmarshalJSON(data []byte) error {
	type alias State
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, field := range knownStateFields {
		delete(raw, field)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*s = State(a)
	return nil
}

// MarshalJSON writes the known fields plus any preserved extras. Known
// fields win on a name collision.
func (s *State) MarshalJSON() ([]byte, error) {
	type alias State
	data, err := json.Marshal((*alias)(s))
	if err != nil || len(s.Extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, val := range s.Extra {
		if _, known := merged[key]; !known {
			merged[key] = val
		}
	}
	return json.Marshal(merged)
}
