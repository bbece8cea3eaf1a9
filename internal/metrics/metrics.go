package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_requests_total",
			Help: "Total number of inbound webhook requests by outcome",
		},
		[]string{"outcome"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slack_gateway_request_duration_seconds",
			Help:    "End-to-end handling time of inbound requests",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 3, 10, 30, 60, 90},
		},
	)

	// Admission control
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slack_gateway_in_flight",
			Help: "Requests currently admitted",
		},
	)

	AdmissionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slack_gateway_admission_rejections_total",
			Help: "Requests rejected because the concurrency ceiling was reached",
		},
	)

	// Verification
	VerificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_verification_failures_total",
			Help: "Requests rejected during signature or replay verification",
		},
		[]string{"kind"},
	)

	Duplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_duplicates_total",
			Help: "Duplicate deliveries suppressed",
		},
		[]string{"source"},
	)

	// Forwarding
	ForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slack_gateway_forward_duration_seconds",
			Help:    "Duration of backend runtime invocations",
			Buckets: []float64{.05, .1, .5, 1, 2, 5, 10, 30, 60, 90},
		},
	)

	ForwardFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_forward_failures_total",
			Help: "Backend invocations that failed, by classification",
		},
		[]string{"kind"},
	)

	// Secrets
	SecretFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_secret_fetches_total",
			Help: "Upstream secret fetches by result",
		},
		[]string{"result"},
	)

	// Rate limiting
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"key"},
	)

	// Dead letters
	DLQPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_dlq_published_total",
			Help: "Failed forwards published to the dead letter stream",
		},
		[]string{"kind"},
	)

	// Replies
	Replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_gateway_replies_total",
			Help: "Replies posted back to Slack by result",
		},
		[]string{"result"},
	)
)
