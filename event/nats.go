package event

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes transitions to a NATS subject per workflow:
// <prefix>.<workflow_id>. Publishing is fire-and-forget; a failed
// publish is logged and dropped.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to a NATS server and returns a publisher.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("orchestra-events"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish sends one transition event.
func (p *NATSPublisher) Publish(t Transition) {
	data, err := json.Marshal(t)
	if err != nil {
		p.logger.Warn("encode transition event", slog.String("error", err.Error()))
		return
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, t.WorkflowID)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish transition event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("drain NATS connection", slog.String("error", err.Error()))
	}
}
