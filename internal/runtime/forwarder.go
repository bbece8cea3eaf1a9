// Package runtime forwards actionable events to the agent runtime and
// classifies the outcome.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/metrics"
	"github.com/a1hang/slack-issue-agent/internal/models"
)

// DefaultTimeout is the backend call budget when none is configured.
const DefaultTimeout = 85 * time.Second

// ForwardRequest is the payload delivered to the runtime.
type ForwardRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel,omitempty"`
	User      string `json:"user,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	ThreadTS  string `json:"thread_ts,omitempty"`
}

// ForwardResult is the runtime's answer.
type ForwardResult struct {
	Result    json.RawMessage
	SessionID string
	Duration  time.Duration
}

// Text extracts a human readable reply. The runtime answers either with a
// plain string or with an agent message whose content blocks carry text.
func (r *ForwardResult) Text() string {
	if r == nil || len(r.Result) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}

	var msg struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(r.Result, &msg); err == nil && len(msg.Content) > 0 {
		parts := make([]string, 0, len(msg.Content))
		for _, c := range msg.Content {
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	if string(r.Result) == "null" {
		return ""
	}
	return string(r.Result)
}

// Backend performs one invocation of the runtime.
type Backend interface {
	Invoke(ctx context.Context, req ForwardRequest) (*ForwardResult, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req ForwardRequest) (*ForwardResult, error)

func (f BackendFunc) Invoke(ctx context.Context, req ForwardRequest) (*ForwardResult, error) {
	return f(ctx, req)
}

// NewSessionID returns two random UUIDs joined by a hyphen. The runtime
// requires session ids of at least 33 characters.
func NewSessionID() string {
	return uuid.NewString() + "-" + uuid.NewString()
}

// Forwarder makes exactly one bounded call to a Backend.
type Forwarder struct {
	backend Backend
	timeout time.Duration
	logger  *logging.Logger
}

func NewForwarder(backend Backend, timeout time.Duration, logger *logging.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Forwarder{backend: backend, timeout: timeout, logger: logger}
}

// Timeout returns the per-call budget.
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

type invokeOutcome struct {
	res *ForwardResult
	err error
}

// Forward invokes the backend once. The call is abandoned when the forward
// timeout or ctx expires, even if the backend ignores cancellation.
// Failures are *models.GatewayError of kind BackendTimeout, BackendError or
// MalformedResponse.
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*ForwardResult, error) {
	if req.SessionID == "" {
		req.SessionID = NewSessionID()
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan invokeOutcome, 1)
	go func() {
		res, err := f.backend.Invoke(ctx, req)
		done <- invokeOutcome{res: res, err: err}
	}()

	var out invokeOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	elapsed := time.Since(start)
	metrics.ForwardDuration.Observe(elapsed.Seconds())

	if out.err == nil && out.res == nil {
		out.err = models.Errorf(models.KindMalformedResponse, "backend returned no result")
	}
	if out.err != nil {
		gerr := classify(ctx, out.err)
		metrics.ForwardFailures.WithLabelValues(string(gerr.Kind)).Inc()
		f.logger.WarnContext(ctx, "runtime invocation failed",
			logging.Kind(string(gerr.Kind)),
			logging.Duration(elapsed),
			logging.Error(out.err),
		)
		return nil, gerr
	}

	out.res.Duration = elapsed
	if out.res.SessionID == "" {
		out.res.SessionID = req.SessionID
	}
	return out.res, nil
}

func classify(ctx context.Context, err error) *models.GatewayError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindBackendTimeout, "runtime did not answer in time", err)
	}

	var gerr *models.GatewayError
	if errors.As(err, &gerr) {
		switch gerr.Kind {
		case models.KindBackendTimeout, models.KindBackendError, models.KindMalformedResponse:
			return gerr
		}
	}

	if errors.Is(err, context.Canceled) {
		return models.NewError(models.KindBackendError, "runtime call cancelled", err)
	}
	return models.NewError(models.KindBackendError, "runtime invocation failed", err)
}
