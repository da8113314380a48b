package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllowWithinWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := uuid.New().String()
	t.Cleanup(func() { l.client.Del(context.Background(), rule.Key+id) })

	remaining, err := l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}

	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err = l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	retry := l.RetryAfter(ctx, id, rule)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)
}

func TestAllowFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "x", RuleSubscribe)
	assert.Error(t, err)
	assert.True(t, ok)
	assert.Equal(t, RuleSubscribe.Window, l.RetryAfter(context.Background(), "x", RuleSubscribe))
}
