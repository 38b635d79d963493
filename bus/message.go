// Package bus is the local IPC endpoint agents talk to: JSON over HTTP
// on a Unix domain socket. It routes evidence submissions into the
// engine and queues agent-to-agent messages with at-least-once delivery
// backed by a write-ahead log.
package bus

import (
	"encoding/json"
	"time"
)

// Message is one bus payload. It is created on send, queued in the
// recipient's inbox, and removed on ack. Messages that do not require
// an ack are removed on first read.
type Message struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Type        string          `json:"type"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Phase       string          `json:"phase,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequiresAck bool            `json:"requires_ack"`
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Type        string          `json:"type"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Phase       string          `json:"phase,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequiresAck *bool           `json:"requires_ack,omitempty"`
}

// AckRequest is the body of POST /ack.
type AckRequest struct {
	ID string `json:"id"`
}
