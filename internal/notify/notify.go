// Package notify posts the runtime's answer back to the Slack channel the
// event came from.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/metrics"
	"github.com/a1hang/slack-issue-agent/internal/secrets"
)

// Reply is one message to post.
type Reply struct {
	Channel  string
	ThreadTS string
	Text     string
}

// Notifier delivers replies.
type Notifier interface {
	Type() string
	Send(ctx context.Context, reply Reply) error
}

// SlackNotifier calls chat.postMessage with the bot token.
type SlackNotifier struct {
	APIURL       string
	FallbackText string
	secrets      secrets.Provider
	tokenName    string
	client       *http.Client
}

func NewSlackNotifier(apiURL string, provider secrets.Provider, tokenName, fallbackText string, timeout time.Duration) *SlackNotifier {
	return &SlackNotifier{
		APIURL:       strings.TrimRight(apiURL, "/"),
		FallbackText: fallbackText,
		secrets:      provider,
		tokenName:    tokenName,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *SlackNotifier) Type() string {
	return "slack"
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *SlackNotifier) Send(ctx context.Context, reply Reply) error {
	if reply.Channel == "" {
		return fmt.Errorf("reply has no channel")
	}

	text := reply.Text
	if strings.TrimSpace(text) == "" {
		text = s.FallbackText
	}

	token, err := s.secrets.GetSecret(ctx, s.tokenName)
	if err != nil {
		metrics.Replies.WithLabelValues("token_unavailable").Inc()
		return fmt.Errorf("bot token: %w", err)
	}

	payload := map[string]interface{}{
		"channel": reply.Channel,
		"text":    text,
	}
	if reply.ThreadTS != "" {
		payload["thread_ts"] = reply.ThreadTS
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL+"/chat.postMessage", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+string(token))

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.Replies.WithLabelValues("error").Inc()
		return fmt.Errorf("send slack reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Replies.WithLabelValues("error").Inc()
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	// The Web API reports most failures with 200 and ok=false.
	var out postMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.Replies.WithLabelValues("error").Inc()
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !out.OK {
		metrics.Replies.WithLabelValues("error").Inc()
		return fmt.Errorf("slack API error: %s", out.Error)
	}

	metrics.Replies.WithLabelValues("ok").Inc()
	return nil
}

// LogNotifier writes replies to the log instead of Slack.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Type() string {
	return "log"
}

func (l *LogNotifier) Send(ctx context.Context, reply Reply) error {
	l.logger.InfoContext(ctx, "runtime reply",
		logging.Channel(reply.Channel),
		"thread_ts", reply.ThreadTS,
		"text", logging.Mask(reply.Text),
	)
	return nil
}
