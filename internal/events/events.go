// Package events publishes document lifecycle transitions to NATS so
// callers can subscribe instead of polling the status endpoint.
//
// Status events are published to subjects:
//
//	documents.{document_id}.status
//
// Publishing is best-effort: a nil publisher or a publish failure never
// blocks the pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqd/internal/logging"
	"github.com/fyrsmithlabs/docqd/internal/store"
)

// StatusEvent is the JSON payload of one status transition.
type StatusEvent struct {
	DocumentID string       `json:"document_id"`
	Status     store.Status `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Publisher publishes status events. The zero-value (or nil) Publisher is a
// no-op, so event publishing stays optional.
type Publisher struct {
	conn   *nats.Conn
	logger *logging.Logger
}

// NewPublisher connects to NATS at url.
func NewPublisher(url string, logger *logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.Name("docqd"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	return &Publisher{conn: conn, logger: logger}, nil
}

// NewPublisherWithConn wraps an existing connection, used by tests.
func NewPublisherWithConn(conn *nats.Conn, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{conn: conn, logger: logger}
}

// PublishStatus publishes one status transition. Failures are logged, not
// returned; events are advisory.
func (p *Publisher) PublishStatus(ctx context.Context, documentID string, status store.Status, reason string) {
	if p == nil || p.conn == nil {
		return
	}

	event := StatusEvent{
		DocumentID: documentID,
		Status:     status,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn(ctx, "failed to marshal status event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("documents.%s.status", documentID)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "failed to publish status event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
