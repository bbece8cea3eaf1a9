// Package events classifies verified Slack Events API payloads into
// challenges, actionable mentions and ignorable deliveries.
package events

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Envelope types sent by the Events API.
const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"
	TypeAppRateLimited  = "app_rate_limited"
)

// Envelope is the outer Events API payload.
type Envelope struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	Challenge *string         `json:"challenge,omitempty"`
	TeamID    string          `json:"team_id,omitempty"`
	APIAppID  string          `json:"api_app_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventTime int64           `json:"event_time,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// InnerEvent is the subset of the event object the gateway reads.
type InnerEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	User     string `json:"user,omitempty"`
	Text     string `json:"text,omitempty"`
	Channel  string `json:"channel,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
	EventTS  string `json:"event_ts,omitempty"`
	Team     string `json:"team,omitempty"`
}

var mentionPattern = regexp.MustCompile(`<@[UW][A-Z0-9]+(\|[^>]*)?>`)

// StripMentions removes user mention markup such as <@U123ABC> and
// collapses the surrounding whitespace.
func StripMentions(text string) string {
	stripped := mentionPattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(stripped), " ")
}
