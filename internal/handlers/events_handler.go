package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/admission"
	"github.com/a1hang/slack-issue-agent/internal/dlq"
	"github.com/a1hang/slack-issue-agent/internal/events"
	"github.com/a1hang/slack-issue-agent/internal/httputil"
	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/metrics"
	"github.com/a1hang/slack-issue-agent/internal/models"
	"github.com/a1hang/slack-issue-agent/internal/notify"
	"github.com/a1hang/slack-issue-agent/internal/ratelimit"
	"github.com/a1hang/slack-issue-agent/internal/replay"
	"github.com/a1hang/slack-issue-agent/internal/runtime"
	"github.com/a1hang/slack-issue-agent/internal/signature"
)

// Stages a request moves through. Every short-circuit jumps to responded;
// the last stage reached before that is logged.
const (
	StageReceived   = "received"
	StageVerifying  = "verifying"
	StageRouting    = "routing"
	StageForwarding = "forwarding"
	StageResponded  = "responded"
)

const (
	DefaultRequestTimeout = 90 * time.Second
	DefaultMaxBodyBytes   = 1 << 20
	dlqWriteTimeout       = 5 * time.Second
)

// Options wires the collaborators of EventsHandler. Guard, RateLimiter,
// Notifier and DLQ are optional.
type Options struct {
	Admission      *admission.Limiter
	Verifier       *signature.Verifier
	Guard          *replay.Guard
	Router         *events.Router
	RateLimiter    ratelimit.RateLimiter
	Forwarder      *runtime.Forwarder
	Notifier       notify.Notifier
	DLQ            dlq.Queue
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Logger         *logging.Logger
}

// EventsHandler is the Slack Events API entrypoint.
type EventsHandler struct {
	admission      *admission.Limiter
	verifier       *signature.Verifier
	guard          *replay.Guard
	router         *events.Router
	limiter        ratelimit.RateLimiter
	forwarder      *runtime.Forwarder
	notifier       notify.Notifier
	dlq            dlq.Queue
	requestTimeout time.Duration
	maxBodyBytes   int64
	logger         *logging.Logger
	now            func() time.Time
}

func NewEventsHandler(opts Options) *EventsHandler {
	h := &EventsHandler{
		admission:      opts.Admission,
		verifier:       opts.Verifier,
		guard:          opts.Guard,
		router:         opts.Router,
		limiter:        opts.RateLimiter,
		forwarder:      opts.Forwarder,
		notifier:       opts.Notifier,
		dlq:            opts.DLQ,
		requestTimeout: opts.RequestTimeout,
		maxBodyBytes:   opts.MaxBodyBytes,
		logger:         opts.Logger,
		now:            time.Now,
	}
	if h.admission == nil {
		h.admission = admission.NewLimiter(10)
	}
	if h.router == nil {
		h.router = events.NewRouter()
	}
	if h.limiter == nil {
		h.limiter = &ratelimit.NoOpRateLimiter{}
	}
	if h.requestTimeout <= 0 {
		h.requestTimeout = DefaultRequestTimeout
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = DefaultMaxBodyBytes
	}
	if h.logger == nil {
		h.logger = logging.Default()
	}
	return h
}

// requestState carries per-request bookkeeping for the final log line.
type requestState struct {
	stage   string
	outcome string
	status  int
	kind    models.Kind
	event   *events.VerifiedEvent
	ip      string
}

func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := &requestState{stage: StageReceived, ip: httputil.GetClientIP(r)}
	defer func() {
		h.finish(r.Context(), st, time.Since(start))
	}()

	if r.Method != http.MethodPost {
		st.outcome = "method_not_allowed"
		st.status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	release, ok := h.admission.TryAcquire()
	if !ok {
		h.fail(r.Context(), w, st, models.Errorf(models.KindAdmissionRejected, "concurrency ceiling %d reached", h.admission.Capacity()))
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	body, err := httputil.ReadBody(r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.fail(r.Context(), w, st, models.Errorf(models.KindMalformedRequest, "body exceeds %d bytes", h.maxBodyBytes))
		} else {
			h.fail(r.Context(), w, st, models.NewError(models.KindMalformedRequest, "unreadable body", err))
		}
		return
	}
	req := models.NewInboundRequest(body, r.Header, h.now(), st.ip)

	st.stage = StageVerifying
	if err := h.verify(ctx, req); err != nil {
		h.fail(r.Context(), w, st, err)
		return
	}

	st.stage = StageRouting
	ev, err := h.router.Route(ctx, req)
	if err != nil {
		h.fail(r.Context(), w, st, err)
		return
	}
	st.event = ev

	switch ev.Kind {
	case events.KindChallenge:
		st.outcome = "challenge"
		st.status = http.StatusOK
		httputil.WriteJSON(w, http.StatusOK, models.ChallengeResponse{Challenge: ev.Challenge})
		return
	case events.KindIgnored:
		h.ack(w, st, "ignored")
		return
	}

	if err := h.checkRateLimit(ctx, ev); err != nil {
		h.fail(r.Context(), w, st, err)
		return
	}

	if !h.router.Claim(ctx, ev) {
		h.ack(w, st, "duplicate")
		return
	}

	st.stage = StageForwarding
	res, err := h.forward(ctx, ev)
	if err != nil {
		h.fail(r.Context(), w, st, err)
		return
	}

	h.reply(ctx, ev, res)
	h.ack(w, st, "forwarded")
}

// verify runs signature, freshness and optional replay checks, writing an
// audit entry on rejection.
func (h *EventsHandler) verify(ctx context.Context, req models.InboundRequest) error {
	err := h.verifier.Verify(ctx, req.Timestamp(), req.Signature(), req.Body)
	if err == nil {
		err = h.guard.Check(ctx, req.Signature())
	}
	if err == nil {
		return nil
	}

	kind := models.KindOf(err)
	if kind.IsVerificationFailure() {
		metrics.VerificationFailures.WithLabelValues(string(kind)).Inc()
		h.logger.WarnContext(ctx, "request rejected",
			logging.Kind(string(kind)),
			logging.IP(req.RemoteIP),
			"timestamp", req.Timestamp(),
			"body_length", len(req.Body),
			"signature_prefix", logging.SignaturePrefix(req.Signature()),
			logging.Error(err),
		)
	}
	return err
}

func (h *EventsHandler) checkRateLimit(ctx context.Context, ev *events.VerifiedEvent) error {
	if ev.TeamID == "" {
		return nil
	}
	allowed, err := h.limiter.Allow(ctx, ev.TeamID)
	if err != nil {
		h.logger.WarnContext(ctx, "rate limiter unavailable, allowing event",
			logging.TeamID(ev.TeamID),
			logging.Error(err),
		)
		return nil
	}
	if !allowed {
		return models.Errorf(models.KindRateLimited, "workspace %s over rate limit", ev.TeamID)
	}
	return nil
}

func (h *EventsHandler) forward(ctx context.Context, ev *events.VerifiedEvent) (*runtime.ForwardResult, error) {
	m := ev.Mention
	req := runtime.ForwardRequest{
		Prompt:    m.Text,
		SessionID: runtime.NewSessionID(),
		Channel:   m.Channel,
		User:      m.User,
		TeamID:    m.TeamID,
		EventID:   m.EventID,
		ThreadTS:  m.ThreadTS,
	}

	h.logger.InfoContext(ctx, "forwarding event to runtime",
		logging.EventID(ev.EventID),
		logging.EventType(ev.EventType),
		logging.TeamID(ev.TeamID),
		logging.Channel(m.Channel),
		logging.RetryNum(ev.RetryNum),
	)

	res, err := h.forwarder.Forward(ctx, req)
	if err != nil {
		h.deadLetter(ctx, ev, req, err)
		return nil, err
	}

	h.logger.InfoContext(ctx, "runtime answered",
		logging.EventID(ev.EventID),
		logging.Duration(res.Duration),
		"session_id", res.SessionID,
	)
	return res, nil
}

func (h *EventsHandler) deadLetter(ctx context.Context, ev *events.VerifiedEvent, req runtime.ForwardRequest, err error) {
	if h.dlq == nil {
		return
	}
	kind := models.KindOf(err)
	if kind != models.KindBackendError && kind != models.KindBackendTimeout {
		return
	}

	// The request context may already be past its deadline.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dlqWriteTimeout)
	defer cancel()

	entry := dlq.FailedForward{
		Kind:      string(kind),
		Error:     logging.Mask(err.Error()),
		EventID:   ev.EventID,
		TeamID:    ev.TeamID,
		Channel:   req.Channel,
		User:      req.User,
		ThreadTS:  req.ThreadTS,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		RetryNum:  ev.RetryNum,
	}
	if werr := h.dlq.Write(dctx, entry); werr != nil {
		h.logger.ErrorContext(ctx, "dead letter write failed", logging.EventID(ev.EventID), logging.Error(werr))
	}
}

// reply posts the runtime's answer. Failures are logged only; the event
// has been processed.
func (h *EventsHandler) reply(ctx context.Context, ev *events.VerifiedEvent, res *runtime.ForwardResult) {
	if h.notifier == nil || ev.Mention.Channel == "" {
		return
	}
	thread := ev.Mention.ThreadTS
	if thread == "" {
		thread = ev.Mention.EventTS
	}
	err := h.notifier.Send(ctx, notify.Reply{
		Channel:  ev.Mention.Channel,
		ThreadTS: thread,
		Text:     res.Text(),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "reply to slack failed",
			logging.EventID(ev.EventID),
			logging.Channel(ev.Mention.Channel),
			logging.Error(err),
		)
	}
}

func (h *EventsHandler) ack(w http.ResponseWriter, st *requestState, outcome string) {
	st.outcome = outcome
	st.status = http.StatusOK
	httputil.WriteJSON(w, http.StatusOK, models.Response{OK: true})
}

// fail writes the public error body for err. Diagnostics stay in the log.
func (h *EventsHandler) fail(ctx context.Context, w http.ResponseWriter, st *requestState, err error) {
	kind := models.KindOf(err)
	st.kind = kind
	st.outcome = string(kind)
	st.status = kind.HTTPStatus()
	if !kind.IsVerificationFailure() {
		// Verification failures already have their audit entry.
		h.logger.WarnContext(ctx, "request failed", logging.Stage(st.stage), logging.Kind(string(kind)), logging.Error(err))
	}
	httputil.WriteJSON(w, st.status, models.ErrorResponse{
		OK:    false,
		Error: kind.PublicMessage(),
		Code:  kind,
	})
}

func (h *EventsHandler) finish(ctx context.Context, st *requestState, elapsed time.Duration) {
	metrics.RequestsTotal.WithLabelValues(st.outcome).Inc()
	metrics.RequestDuration.Observe(elapsed.Seconds())

	attrs := []any{
		logging.Stage(st.stage),
		"outcome", st.outcome,
		logging.Status(st.status),
		logging.IP(st.ip),
		logging.Duration(elapsed),
	}
	if st.event != nil {
		attrs = append(attrs, logging.EventID(st.event.EventID), logging.EventType(st.event.EventType))
		if st.event.Reason != "" {
			attrs = append(attrs, "reason", st.event.Reason)
		}
	}
	h.logger.InfoContext(ctx, "request "+StageResponded, attrs...)
}
