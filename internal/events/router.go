package events

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/metrics"
	"github.com/a1hang/slack-issue-agent/internal/models"
	"github.com/a1hang/slack-issue-agent/internal/replay"
)

// Kind is the classification of a verified event.
type Kind int

const (
	KindIgnored Kind = iota
	KindChallenge
	KindActionable
)

func (k Kind) String() string {
	switch k {
	case KindChallenge:
		return "challenge"
	case KindActionable:
		return "actionable"
	default:
		return "ignored"
	}
}

// Reasons recorded on ignored events.
const (
	ReasonBotMessage        = "bot_message"
	ReasonSubtype           = "subtype"
	ReasonUnsupportedEvent  = "unsupported_event"
	ReasonUnsupportedType   = "unsupported_envelope"
	ReasonRateLimitNotice   = "app_rate_limited"
	ReasonDuplicateDelivery = "duplicate_delivery"
)

// MentionPayload is the part of an actionable event handed to the runtime.
type MentionPayload struct {
	Text     string
	RawText  string
	Channel  string
	User     string
	TeamID   string
	ThreadTS string
	EventTS  string
	EventID  string
}

// VerifiedEvent is the classification result for a request that passed
// signature and freshness checks.
type VerifiedEvent struct {
	Kind        Kind
	Challenge   string
	Mention     *MentionPayload
	EventID     string
	TeamID      string
	EventType   string
	Reason      string
	RetryNum    string
	RetryReason string
}

// Router classifies payloads and suppresses repeated deliveries.
type Router struct {
	actionable   map[string]bool
	dedupe       replay.Store
	dedupeWindow time.Duration
	logger       *logging.Logger
}

type RouterOption func(*Router)

// WithActionableEvents replaces the default set of event types that are
// forwarded.
func WithActionableEvents(types []string) RouterOption {
	return func(r *Router) {
		if len(types) == 0 {
			return
		}
		r.actionable = make(map[string]bool, len(types))
		for _, t := range types {
			r.actionable[t] = true
		}
	}
}

// WithDedupe enables duplicate-delivery suppression by event_id.
func WithDedupe(store replay.Store, window time.Duration) RouterOption {
	return func(r *Router) {
		r.dedupe = store
		r.dedupeWindow = window
	}
}

func WithLogger(l *logging.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		actionable: map[string]bool{
			"app_mention": true,
			"mention":     true,
			"message":     true,
		},
		dedupe:       replay.NopStore{},
		dedupeWindow: time.Hour,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route parses req.Body and classifies it. It performs no I/O.
func (r *Router) Route(ctx context.Context, req models.InboundRequest) (*VerifiedEvent, error) {
	var env Envelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, models.NewError(models.KindMalformedPayload, "invalid JSON envelope", err)
	}

	ev := &VerifiedEvent{
		EventID:     env.EventID,
		TeamID:      env.TeamID,
		RetryNum:    req.RetryNum(),
		RetryReason: req.RetryReason(),
	}

	switch env.Type {
	case TypeURLVerification:
		if env.Challenge == nil || *env.Challenge == "" {
			return nil, models.Errorf(models.KindMalformedPayload, "url_verification without challenge")
		}
		ev.Kind = KindChallenge
		ev.Challenge = *env.Challenge
		return ev, nil

	case TypeEventCallback:
		return r.routeCallback(env, ev)

	case TypeAppRateLimited:
		ev.Kind = KindIgnored
		ev.Reason = ReasonRateLimitNotice
		r.logger.WarnContext(ctx, "slack reported app rate limiting", logging.TeamID(env.TeamID))
		return ev, nil

	case "":
		return nil, models.Errorf(models.KindMalformedPayload, "envelope missing type")

	default:
		ev.Kind = KindIgnored
		ev.Reason = ReasonUnsupportedType
		ev.EventType = env.Type
		return ev, nil
	}
}

func (r *Router) routeCallback(env Envelope, ev *VerifiedEvent) (*VerifiedEvent, error) {
	raw := bytes.TrimSpace(env.Event)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, models.Errorf(models.KindMalformedPayload, "event_callback without event")
	}

	var inner InnerEvent
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, models.NewError(models.KindMalformedPayload, "invalid event object", err)
	}
	ev.EventType = inner.Type

	// Our own replies come back as bot messages; forwarding them would loop.
	if inner.BotID != "" {
		ev.Kind = KindIgnored
		ev.Reason = ReasonBotMessage
		return ev, nil
	}
	if inner.Subtype != "" {
		ev.Kind = KindIgnored
		ev.Reason = ReasonSubtype
		return ev, nil
	}

	if !r.actionable[inner.Type] {
		ev.Kind = KindIgnored
		ev.Reason = ReasonUnsupportedEvent
		return ev, nil
	}

	if inner.Text == "" {
		return nil, models.Errorf(models.KindMalformedPayload, "%s event missing text", inner.Type)
	}
	text := StripMentions(inner.Text)
	if text == "" {
		text = inner.Text
	}

	teamID := env.TeamID
	if teamID == "" {
		teamID = inner.Team
		ev.TeamID = teamID
	}

	eventTS := inner.EventTS
	if eventTS == "" {
		eventTS = inner.TS
	}

	ev.Kind = KindActionable
	ev.Mention = &MentionPayload{
		Text:     text,
		RawText:  inner.Text,
		Channel:  inner.Channel,
		User:     inner.User,
		TeamID:   teamID,
		ThreadTS: inner.ThreadTS,
		EventTS:  eventTS,
		EventID:  env.EventID,
	}
	return ev, nil
}

// Claim marks an actionable event as taken. It returns false when the
// event_id was already claimed within the dedupe window, in which case ev
// is downgraded to ignored. Claims are never released, so a delivery is
// forwarded at most once even if forwarding fails.
func (r *Router) Claim(ctx context.Context, ev *VerifiedEvent) bool {
	if ev == nil || ev.Kind != KindActionable || ev.EventID == "" {
		return true
	}

	seen, err := r.dedupe.SeenOrMark(ctx, "event:"+ev.EventID, r.dedupeWindow)
	if err != nil {
		r.logger.WarnContext(ctx, "dedupe store unavailable, forwarding without claim",
			logging.EventID(ev.EventID),
			logging.Error(err),
		)
		return true
	}
	if seen {
		metrics.Duplicates.WithLabelValues("event_id").Inc()
		r.logger.InfoContext(ctx, "duplicate delivery suppressed",
			logging.EventID(ev.EventID),
			logging.RetryNum(ev.RetryNum),
			"retry_reason", ev.RetryReason,
		)
		ev.Kind = KindIgnored
		ev.Reason = ReasonDuplicateDelivery
		return false
	}
	return true
}
