package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Secrets   SecretsConfig   `mapstructure:"secrets" yaml:"secrets"`
	Replay    ReplayConfig    `mapstructure:"replay" yaml:"replay"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	DLQ       DLQConfig       `mapstructure:"dlq" yaml:"dlq"`
	Reply     ReplyConfig     `mapstructure:"reply" yaml:"reply"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type GatewayConfig struct {
	SecretName       string        `mapstructure:"secret_name" yaml:"secret_name"`
	MaxConcurrency   int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	MaxSkewSeconds   int           `mapstructure:"max_skew_seconds" yaml:"max_skew_seconds"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	ActionableEvents []string      `mapstructure:"actionable_events" yaml:"actionable_events"`
}

// MaxSkew returns the replay window as a duration.
func (g GatewayConfig) MaxSkew() time.Duration {
	return time.Duration(g.MaxSkewSeconds) * time.Second
}

type RuntimeConfig struct {
	BackendRef           string `mapstructure:"backend_ref" yaml:"backend_ref"`
	ForwardTimeoutMs     int    `mapstructure:"forward_timeout_ms" yaml:"forward_timeout_ms"`
	CredentialSecretName string `mapstructure:"credential_secret_name" yaml:"credential_secret_name"`
	NATSSubject          string `mapstructure:"nats_subject" yaml:"nats_subject"`
}

// ForwardTimeout returns the backend call budget as a duration.
func (r RuntimeConfig) ForwardTimeout() time.Duration {
	return time.Duration(r.ForwardTimeoutMs) * time.Millisecond
}

type SecretsConfig struct {
	Backend  string            `mapstructure:"backend" yaml:"backend"` // "env" (default), "ssm" or "static"
	Region   string            `mapstructure:"region" yaml:"region"`
	CacheTTL time.Duration     `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	Static   map[string]string `mapstructure:"static" yaml:"static,omitempty"`
}

type ReplayConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"` // "none", "memory" (default) or "redis"
	CheckSignature bool          `mapstructure:"check_signature" yaml:"check_signature"`
	DedupeWindow   time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`
	// MaxEntries bounds each in-memory store (signatures and event ids
	// separately). Size it to the event_id claims expected within
	// DedupeWindow; the oldest claim is evicted first when full.
	MaxEntries     int           `mapstructure:"max_entries" yaml:"max_entries"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	NatsURL string `mapstructure:"nats_url" yaml:"nats_url"`
}

type ReplyConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	BotTokenSecretName string        `mapstructure:"bot_token_secret_name" yaml:"bot_token_secret_name"`
	APIURL             string        `mapstructure:"api_url" yaml:"api_url"`
	FallbackText       string        `mapstructure:"fallback_text" yaml:"fallback_text"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Recognized is the operator-facing summary of the gateway's core knobs.
type Recognized struct {
	SecretName       string `json:"secretName" yaml:"secretName"`
	BackendRef       string `json:"backendRef" yaml:"backendRef"`
	MaxConcurrency   int    `json:"maxConcurrency" yaml:"maxConcurrency"`
	MaxSkewSeconds   int    `json:"maxSkewSeconds" yaml:"maxSkewSeconds"`
	ForwardTimeoutMs int    `json:"forwardTimeoutMs" yaml:"forwardTimeoutMs"`
}

func (c *Config) Recognized() Recognized {
	return Recognized{
		SecretName:       c.Gateway.SecretName,
		BackendRef:       c.Runtime.BackendRef,
		MaxConcurrency:   c.Gateway.MaxConcurrency,
		MaxSkewSeconds:   c.Gateway.MaxSkewSeconds,
		ForwardTimeoutMs: c.Runtime.ForwardTimeoutMs,
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "95s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("gateway.secret_name", "/slack-issue-agent/slack/signing-secret")
	v.SetDefault("gateway.max_concurrency", 10)
	v.SetDefault("gateway.max_skew_seconds", 300)
	v.SetDefault("gateway.request_timeout", "90s")
	v.SetDefault("gateway.max_body_bytes", 1048576)
	v.SetDefault("gateway.actionable_events", []string{"app_mention", "mention", "message"})
	v.SetDefault("runtime.backend_ref", "http://localhost:8081")
	v.SetDefault("runtime.forward_timeout_ms", 85000)
	v.SetDefault("runtime.credential_secret_name", "")
	v.SetDefault("runtime.nats_subject", "")
	v.SetDefault("secrets.backend", "env")
	v.SetDefault("secrets.region", "ap-northeast-1")
	v.SetDefault("secrets.cache_ttl", "15m")
	v.SetDefault("replay.backend", "memory")
	v.SetDefault("replay.check_signature", true)
	v.SetDefault("replay.dedupe_window", "1h")
	v.SetDefault("replay.max_entries", 10000)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests", 60)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("reply.enabled", false)
	v.SetDefault("reply.bot_token_secret_name", "/slack-issue-agent/slack/bot-token")
	v.SetDefault("reply.api_url", "https://slack.com/api")
	v.SetDefault("reply.fallback_text", "Processing complete.")
	v.SetDefault("reply.timeout", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/slack-gateway")
	}

	// Environment variables override, e.g. GATEWAY_GATEWAY_MAX_CONCURRENCY
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults alone cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.SecretName == "" {
		errs = append(errs, errors.New("gateway.secret_name is required"))
	}
	if c.Gateway.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_concurrency must be positive, got %d", c.Gateway.MaxConcurrency))
	}
	if c.Gateway.MaxSkewSeconds <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_skew_seconds must be positive, got %d", c.Gateway.MaxSkewSeconds))
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_body_bytes must be positive, got %d", c.Gateway.MaxBodyBytes))
	}
	if c.Runtime.ForwardTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("runtime.forward_timeout_ms must be positive, got %d", c.Runtime.ForwardTimeoutMs))
	}
	if c.Runtime.ForwardTimeout() >= c.Gateway.RequestTimeout {
		errs = append(errs, fmt.Errorf("runtime.forward_timeout_ms (%s) must be below gateway.request_timeout (%s)",
			c.Runtime.ForwardTimeout(), c.Gateway.RequestTimeout))
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Gateway.RequestTimeout {
		errs = append(errs, fmt.Errorf("server.write_timeout (%s) must exceed gateway.request_timeout (%s)",
			c.Server.WriteTimeout, c.Gateway.RequestTimeout))
	}

	if u, err := url.Parse(c.Runtime.BackendRef); err != nil || u.Scheme == "" {
		errs = append(errs, fmt.Errorf("runtime.backend_ref %q is not a URL", c.Runtime.BackendRef))
	} else {
		switch u.Scheme {
		case "http", "https", "nats", "tls":
		default:
			errs = append(errs, fmt.Errorf("runtime.backend_ref scheme %q not supported (http, https, nats)", u.Scheme))
		}
	}

	switch c.Secrets.Backend {
	case "env", "ssm", "static":
	default:
		errs = append(errs, fmt.Errorf("unknown secrets.backend %q (supported: env, ssm, static)", c.Secrets.Backend))
	}

	switch c.Replay.Backend {
	case "none", "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("replay.backend redis requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown replay.backend %q (supported: none, memory, redis)", c.Replay.Backend))
	}

	if c.RateLimit.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("ratelimit.enabled requires redis.enabled"))
	}

	return errors.Join(errs...)
}
