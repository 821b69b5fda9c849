// Package backoff retries startup connections with a linear delay
// (base, 2*base, 3*base, ...).
package backoff

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kulangara/backend/internal/logging"
	"github.com/sethvargo/go-retry"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// Linear returns a go-retry backoff that waits base*attempt between attempts
// and stops after maxAttempts total attempts.
func Linear(base time.Duration, maxAttempts int) retry.Backoff {
	var attempt atomic.Int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n := attempt.Add(1)
		if n >= int64(maxAttempts) {
			return 0, true
		}
		return base * time.Duration(n), false
	})
}

// Connect runs fn until it succeeds or the policy is exhausted, logging each
// failed attempt. The last error is returned.
func Connect(ctx context.Context, log logging.Logger, name string, p Policy, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, Linear(p.BaseDelay, p.MaxAttempts), func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			log.Warn(ctx, "connection attempt failed",
				"service", name, "attempt", attempt, "maxAttempts", p.MaxAttempts, "err", err)
			return retry.RetryableError(err)
		}
		log.Info(ctx, "connected", "service", name, "attempt", attempt)
		return nil
	})
}
