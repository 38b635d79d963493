// Package event publishes workflow transition events for external
// observers (dashboards, reporters). The engine fires one event per
// state move; the core never depends on a subscriber being present.
package event

import "time"

// Transition describes one state move of one workflow.
type Transition struct {
	WorkflowID   string    `json:"workflow_id"`
	WorkflowType string    `json:"workflow_type"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Result       string    `json:"result,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher receives transition events. Publish must not block the
// engine's critical path on a slow subscriber.
type Publisher interface {
	Publish(t Transition)
	Close()
}

// Nop is a Publisher that discards everything.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(Transition) {}

// Close is a no-op.
func (Nop) Close() {}
