package secrets

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/metrics"
	"github.com/a1hang/slack-issue-agent/internal/models"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	fetchTimeout       = 10 * time.Second
)

// Cache is a read-through cache in front of a Provider. Concurrent misses
// for the same name share one upstream fetch. After a failed fetch, misses
// fail fast until the backoff window elapses; a previously cached value is
// served instead when one exists.
type Cache struct {
	provider Provider
	ttl      time.Duration
	logger   *logging.Logger

	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry

	failures  int
	nextRetry time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithBackoff overrides the failure backoff bounds.
func WithBackoff(base, max time.Duration) CacheOption {
	return func(c *Cache) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func WithLogger(l *logging.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = l
	}
}

// NewCache wraps provider. ttl <= 0 keeps values until Invalidate or
// process restart.
func NewCache(provider Provider, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		provider:    provider,
		ttl:         ttl,
		logger:      logging.Default(),
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		now:         time.Now,
		entries:     make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetSecret returns the cached value or fetches it. Failures are returned
// as SecretUnavailable, or RequestTimeout when ctx's deadline passes while
// the fetch is still pending.
func (c *Cache) GetSecret(ctx context.Context, name string) ([]byte, error) {
	now := c.now()

	c.mu.RLock()
	entry := c.entries[name]
	var (
		fresh    []byte
		stale    []byte
		blocked  bool
		retryIn  time.Duration
		failures int
	)
	if entry != nil {
		if entry.value != nil && (entry.expiresAt.IsZero() || now.Before(entry.expiresAt)) {
			fresh = entry.value
		} else if entry.value != nil {
			stale = entry.value
		}
		if now.Before(entry.nextRetry) {
			blocked = true
			retryIn = entry.nextRetry.Sub(now)
			failures = entry.failures
		}
	}
	c.mu.RUnlock()

	if fresh != nil {
		return fresh, nil
	}
	if blocked {
		if stale != nil {
			return stale, nil
		}
		metrics.SecretFetches.WithLabelValues("backoff").Inc()
		return nil, models.Errorf(models.KindSecretUnavailable,
			"secret %s unavailable after %d failed fetches, retry in %s", name, failures, retryIn.Round(time.Millisecond))
	}

	ch := c.group.DoChan(name, func() (interface{}, error) {
		// Detach from the first caller's cancellation so one impatient
		// request cannot fail the fetch for every waiter.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if stale != nil {
				c.logger.WarnContext(ctx, "serving stale secret after refresh failure",
					logging.SecretName(name), logging.Error(res.Err))
				return stale, nil
			}
			return nil, models.NewError(models.KindSecretUnavailable, "fetch secret "+name, res.Err)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.NewError(models.KindRequestTimeout, "deadline passed waiting for secret "+name, ctx.Err())
		}
		return nil, models.NewError(models.KindSecretUnavailable, "fetch secret "+name, ctx.Err())
	}
}

func (c *Cache) fetch(ctx context.Context, name string) ([]byte, error) {
	value, err := c.provider.GetSecret(ctx, name)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[name]
	if entry == nil {
		entry = &cacheEntry{}
		c.entries[name] = entry
	}

	if err != nil {
		entry.failures++
		entry.nextRetry = now.Add(c.backoff(entry.failures))
		metrics.SecretFetches.WithLabelValues("error").Inc()
		c.logger.Error("secret fetch failed",
			logging.SecretName(name),
			slog.Int("failures", entry.failures),
			slog.Time("next_retry", entry.nextRetry),
			logging.Error(err),
		)
		return nil, err
	}

	entry.value = value
	entry.failures = 0
	entry.nextRetry = time.Time{}
	if c.ttl > 0 {
		entry.expiresAt = now.Add(c.ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	metrics.SecretFetches.WithLabelValues("ok").Inc()
	return value, nil
}

func (c *Cache) backoff(failures int) time.Duration {
	d := c.backoffBase
	for i := 1; i < failures && d < c.backoffMax; i++ {
		d *= 2
	}
	if d > c.backoffMax {
		d = c.backoffMax
	}
	return d
}

// Invalidate drops the cached value for name; the next call refetches.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
	c.group.Forget(name)
}
