package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/a1hang/slack-issue-agent/internal/admission"
	"github.com/a1hang/slack-issue-agent/internal/config"
	"github.com/a1hang/slack-issue-agent/internal/dlq"
	"github.com/a1hang/slack-issue-agent/internal/events"
	"github.com/a1hang/slack-issue-agent/internal/handlers"
	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/notify"
	"github.com/a1hang/slack-issue-agent/internal/ratelimit"
	"github.com/a1hang/slack-issue-agent/internal/replay"
	"github.com/a1hang/slack-issue-agent/internal/runtime"
	"github.com/a1hang/slack-issue-agent/internal/secrets"
	"github.com/a1hang/slack-issue-agent/internal/server"
	"github.com/a1hang/slack-issue-agent/internal/signature"
)

const (
	replayKeyPrefix    = "slack-gateway:"
	memorySweepPeriod  = time.Minute
	shutdownGraceExtra = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("slack-gateway"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting slack gateway",
		"port", cfg.Server.Port,
		"backend_ref", cfg.Runtime.BackendRef,
		"max_concurrency", cfg.Gateway.MaxConcurrency,
		"max_skew_seconds", cfg.Gateway.MaxSkewSeconds,
		"forward_timeout_ms", cfg.Runtime.ForwardTimeoutMs,
		"secrets_backend", cfg.Secrets.Backend,
		"replay_backend", cfg.Replay.Backend,
	)

	provider, err := newSecretProvider(ctx, cfg)
	if err != nil {
		return err
	}
	cache := secrets.NewCache(provider, cfg.Secrets.CacheTTL, secrets.WithLogger(logger))

	verifier := signature.NewVerifier(cache, cfg.Gateway.SecretName,
		signature.WithMaxSkew(cfg.Gateway.MaxSkew()))

	signatures, claims, closeStores, err := newReplayStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	var guard *replay.Guard
	if cfg.Replay.CheckSignature {
		// A timestamp may sit up to MaxSkew in the future, so a signature
		// stays acceptable for twice the skew window.
		guard = replay.NewGuard(signatures, 2*cfg.Gateway.MaxSkew(), logger)
	}

	router := events.NewRouter(
		events.WithActionableEvents(cfg.Gateway.ActionableEvents),
		events.WithDedupe(claims, cfg.Replay.DedupeWindow),
		events.WithLogger(logger),
	)

	rateLimiter := newRateLimiter(cfg, logger)
	defer rateLimiter.Close()

	backend, closeBackend, err := runtime.NewBackend(runtime.BackendConfig{
		Ref:                  cfg.Runtime.BackendRef,
		NATSSubject:          cfg.Runtime.NATSSubject,
		Timeout:              cfg.Runtime.ForwardTimeout(),
		Credentials:          cache,
		CredentialSecretName: cfg.Runtime.CredentialSecretName,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("runtime backend: %w", err)
	}
	defer closeBackend()
	forwarder := runtime.NewForwarder(backend, cfg.Runtime.ForwardTimeout(), logger)

	var notifier notify.Notifier
	if cfg.Reply.Enabled {
		notifier = notify.NewSlackNotifier(cfg.Reply.APIURL, cache, cfg.Reply.BotTokenSecretName,
			cfg.Reply.FallbackText, cfg.Reply.Timeout)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}
	logger.Info("reply notifier configured", "type", notifier.Type())

	var deadLetters dlq.Queue
	if cfg.DLQ.Enabled {
		q, err := dlq.Connect(ctx, cfg.DLQ.NatsURL, logger)
		if err != nil {
			return fmt.Errorf("dead letter queue: %w", err)
		}
		defer q.Close()
		deadLetters = q
		logger.Info("dead letter queue enabled", "nats_url", redactURL(cfg.DLQ.NatsURL))
	}

	handler := handlers.NewEventsHandler(handlers.Options{
		Admission:      admission.NewLimiter(cfg.Gateway.MaxConcurrency),
		Verifier:       verifier,
		Guard:          guard,
		Router:         router,
		RateLimiter:    rateLimiter,
		Forwarder:      forwarder,
		Notifier:       notifier,
		DLQ:            deadLetters,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		MaxBodyBytes:   cfg.Gateway.MaxBodyBytes,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("slack gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	// In-flight requests may legitimately run up to the request timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.RequestTimeout+shutdownGraceExtra)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newSecretProvider(ctx context.Context, cfg *config.Config) (secrets.Provider, error) {
	switch cfg.Secrets.Backend {
	case "ssm":
		p, err := secrets.NewSSMProvider(ctx, cfg.Secrets.Region)
		if err != nil {
			return nil, fmt.Errorf("ssm provider: %w", err)
		}
		return p, nil
	case "static":
		return secrets.NewStaticProvider(cfg.Secrets.Static), nil
	default:
		return secrets.NewEnvProvider(), nil
	}
}

// newReplayStores returns the store for signature fingerprints and the
// store for event_id claims. In memory they are separate, each bounded by
// replay.max_entries, so a burst of signatures cannot evict claims.
func newReplayStores(cfg *config.Config) (signatures, claims replay.Store, closeAll func(), err error) {
	switch cfg.Replay.Backend {
	case "redis":
		s, err := replay.NewRedisStore(cfg.Redis.URL, replayKeyPrefix)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("replay store: %w", err)
		}
		return s, s, func() { _ = s.Close() }, nil
	case "none":
		return replay.NopStore{}, replay.NopStore{}, func() {}, nil
	default:
		sigs := replay.NewMemoryStore(cfg.Replay.MaxEntries, memorySweepPeriod)
		seen := replay.NewMemoryStore(cfg.Replay.MaxEntries, memorySweepPeriod)
		return sigs, seen, func() {
			_ = sigs.Close()
			_ = seen.Close()
		}, nil
	}
}

func newRateLimiter(cfg *config.Config, logger *logging.Logger) ratelimit.RateLimiter {
	if !cfg.Redis.Enabled || !cfg.RateLimit.Enabled {
		return &ratelimit.NoOpRateLimiter{}
	}
	limiter, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, cfg.RateLimit.Requests, cfg.RateLimit.Window, false)
	if err != nil {
		logger.Warn("redis rate limiter unavailable, continuing without rate limiting", logging.Error(err))
		return &ratelimit.NoOpRateLimiter{}
	}
	logger.Info("rate limiting enabled",
		"requests", cfg.RateLimit.Requests,
		"window", cfg.RateLimit.Window.String(),
	)
	return limiter
}
