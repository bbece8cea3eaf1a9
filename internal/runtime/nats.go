package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/models"
)

// DefaultSubject is the request subject when the backend reference names none.
const DefaultSubject = "agent.invoke"

// requester is the part of *nats.Conn used for invocations.
type requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// NATSBackend invokes a runtime listening on a NATS request subject.
type NATSBackend struct {
	conn    requester
	subject string
	closer  func()
}

func NewNATSBackend(conn requester, subject string) *NATSBackend {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSBackend{conn: conn, subject: subject}
}

// DialNATS connects to url and returns a backend owning the connection.
func DialNATS(url, subject string, logger *logging.Logger) (*NATSBackend, error) {
	if logger == nil {
		logger = logging.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("slack-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b := NewNATSBackend(conn, subject)
	b.closer = conn.Close
	return b, nil
}

// Subject returns the request subject.
func (b *NATSBackend) Subject() string {
	return b.subject
}

type natsReply struct {
	Result    json.RawMessage `json:"result"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (b *NATSBackend) Invoke(ctx context.Context, req ForwardRequest) (*ForwardResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg := nats.NewMsg(b.subject)
	msg.Data = data
	msg.Header.Set(HeaderSessionID, req.SessionID)

	resp, err := b.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, models.NewError(models.KindBackendError, "no runtime listening on "+b.subject, err)
		}
		return nil, fmt.Errorf("request %s: %w", b.subject, err)
	}

	var reply natsReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, models.NewError(models.KindMalformedResponse, "decode runtime reply", err)
	}
	if reply.Error != "" {
		return nil, models.Errorf(models.KindBackendError, "runtime error: %s", reply.Error)
	}

	return &ForwardResult{Result: reply.Result, SessionID: reply.SessionID}, nil
}

func (b *NATSBackend) Close() error {
	if b.closer != nil {
		b.closer()
	}
	return nil
}
