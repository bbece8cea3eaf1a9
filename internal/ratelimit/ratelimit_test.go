package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, limit int, window time.Duration) (*miniredis.Miniredis, *redisRateLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, newLimiter(client, limit, window)
}

func TestNoOpRateLimiter(t *testing.T) {
	limiter := &NoOpRateLimiter{}
	ctx := context.Background()

	for _, key := range []string{"T123", "T456", ""} {
		for i := 0; i < 10; i++ {
			allowed, err := limiter.Allow(ctx, key)
			require.NoError(t, err)
			assert.True(t, allowed)
		}
	}
	assert.NoError(t, limiter.Close())
}

func TestNewRedisRateLimiter_Disabled(t *testing.T) {
	limiter, err := NewRedisRateLimiter("", 100, time.Minute, true)
	require.NoError(t, err)

	allowed, err := limiter.Allow(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, limiter.Close())
}

func TestNewRedisRateLimiter_InvalidURL(t *testing.T) {
	_, err := NewRedisRateLimiter("not-a-valid-url", 100, time.Minute, false)
	assert.Error(t, err)
}

func TestNewRedisRateLimiter_ConnectionFailed(t *testing.T) {
	_, err := NewRedisRateLimiter("redis://localhost:9999", 100, time.Minute, false)
	assert.Error(t, err)
}

func TestNewRedisRateLimiter_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisRateLimiter("redis://"+mr.Addr(), 1, time.Minute, false)
	require.NoError(t, err)
	defer limiter.Close()

	allowed, err := limiter.Allow(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_EnforcesLimitPerKey(t *testing.T) {
	mr, limiter := setupLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "T1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, err := limiter.Allow(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = limiter.Allow(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, allowed, "other workspaces are unaffected")

	assert.True(t, mr.Exists("ratelimit:T1"))
}

func TestRedisRateLimiter_WindowSlides(t *testing.T) {
	_, limiter := setupLimiter(t, 2, time.Minute)
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "T1")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _ := limiter.Allow(ctx, "T1")
	assert.False(t, allowed)

	now = now.Add(61 * time.Second)
	allowed, err := limiter.Allow(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewFromClient(client, 10, time.Minute)
	mr.Close()

	_, err = limiter.Allow(context.Background(), "T1")
	assert.Error(t, err)
	assert.NoError(t, limiter.Close())
}
