package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(client, zap.NewNop())

	ctx := context.Background()
	key := Key("user-1", "send_message")
	limit := 3
	window := time.Minute

	t.Run("allows up to the limit", func(t *testing.T) {
		require.NoError(t, limiter.Reset(ctx, key))
		for i := 0; i < limit; i++ {
			allowed, err := limiter.Allow(ctx, key, limit, window)
			require.NoError(t, err)
			assert.True(t, allowed, "request %d should be allowed", i+1)
		}
	})

	t.Run("rejects past the limit", func(t *testing.T) {
		allowed, err := limiter.Allow(ctx, key, limit, window)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("buckets are independent per key", func(t *testing.T) {
		allowed, err := limiter.Allow(ctx, Key("user-2", "send_message"), limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 1000) // fast refill so the test does not sleep long

	assert.True(t, bucket.Take())
	assert.True(t, bucket.Take())
	assert.False(t, bucket.Take())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, bucket.Take())
}

func TestInMemoryLimiter(t *testing.T) {
	limiter := NewInMemoryLimiter()
	ctx := context.Background()

	allowed, err := limiter.AllowN(ctx, "k", 5, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, limiter.Reset(ctx, "k"))
	allowed, err = limiter.Allow(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}
