package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kulangara/backend/internal/cache"
	"github.com/kulangara/backend/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T, enabled bool) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRateLimiter(cache.New(rdb), logging.Discard(), enabled), mr
}

func TestRateLimiter_BlocksAfterLimit(t *testing.T) {
	rl, mr := newTestLimiter(t, true)
	rule := RateRule{Name: "test", Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := rl.Allow(ctx, rule, "1.2.3.4")
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(2-i), d.Remaining)
	}

	d := rl.Allow(ctx, rule, "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	assert.True(t, rl.Allow(ctx, rule, "5.6.7.8").Allowed)

	mr.FastForward(time.Minute)
	assert.True(t, rl.Allow(ctx, rule, "1.2.3.4").Allowed)
}

func TestRateLimiter_DisabledAndFailOpen(t *testing.T) {
	rule := RateRule{Name: "test", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	off, _ := newTestLimiter(t, false)
	for i := 0; i < 5; i++ {
		assert.True(t, off.Allow(ctx, rule, "ip").Allowed)
	}

	on, mr := newTestLimiter(t, true)
	mr.Close()
	for i := 0; i < 5; i++ {
		assert.True(t, on.Allow(ctx, rule, "ip").Allowed)
	}
}
