// Package dlq records forwards that failed so an operator can replay them.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/metrics"
)

const (
	StreamName    = "GATEWAY_DLQ"
	SubjectPrefix = "gateway.dlq."
)

// FailedForward is one dead-lettered event.
type FailedForward struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	EventID   string    `json:"event_id,omitempty"`
	TeamID    string    `json:"team_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	User      string    `json:"user,omitempty"`
	ThreadTS  string    `json:"thread_ts,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Prompt    string    `json:"prompt"`
	RetryNum  string    `json:"retry_num,omitempty"`
}

// Queue accepts failed forwards.
type Queue interface {
	Write(ctx context.Context, entry FailedForward) error
}

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamQueue writes failed forwards to a NATS JetStream stream. Safe
// for use across multiple gateway instances.
type JetStreamQueue struct {
	pub     publisher
	conn    *nats.Conn
	logger  *logging.Logger
	written atomic.Uint64
}

// Connect dials url and ensures the DLQ stream exists.
func Connect(ctx context.Context, url string, logger *logging.Logger) (*JetStreamQueue, error) {
	if logger == nil {
		logger = logging.Default()
	}

	conn, err := nats.Connect(url,
		nats.Name("slack-gateway-dlq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ">"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("DLQ stream ready", "stream", StreamName)

	q := newQueue(js, logger)
	q.conn = conn
	return q, nil
}

func newQueue(pub publisher, logger *logging.Logger) *JetStreamQueue {
	if logger == nil {
		logger = logging.Default()
	}
	return &JetStreamQueue{pub: pub, logger: logger}
}

// Write publishes entry on gateway.dlq.<kind>.
func (q *JetStreamQueue) Write(ctx context.Context, entry FailedForward) error {
	if q == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	subject := SubjectPrefix + entry.Kind
	if _, err := q.pub.Publish(ctx, subject, data); err != nil {
		q.logger.ErrorContext(ctx, "failed to publish DLQ entry",
			logging.EventID(entry.EventID),
			logging.Error(err),
		)
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	metrics.DLQPublished.WithLabelValues(entry.Kind).Inc()
	q.logger.InfoContext(ctx, "published failed forward to DLQ",
		logging.EventID(entry.EventID),
		logging.Kind(entry.Kind),
	)
	return nil
}

// Written returns the number of entries published by this instance.
func (q *JetStreamQueue) Written() uint64 {
	if q == nil {
		return 0
	}
	return q.written.Load()
}

func (q *JetStreamQueue) Close() error {
	if q != nil && q.conn != nil {
		q.conn.Close()
	}
	return nil
}
