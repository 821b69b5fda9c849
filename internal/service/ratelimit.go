package service

import (
	"context"
	"time"

	"github.com/kulangara/backend/internal/logging"
)

type RateRule struct {
	Name    string
	Limit   int64
	Window  time.Duration
	Message string
}

var (
	RuleAPI = RateRule{Name: "api", Limit: 100, Window: 15 * time.Minute,
		Message: "Too many requests from this IP, please try again later."}
	RuleAuth = RateRule{Name: "auth", Limit: 10, Window: 15 * time.Minute,
		Message: "Too many authentication attempts, please try again after 15 minutes."}
	RuleRegister = RateRule{Name: "register", Limit: 10, Window: time.Hour,
		Message: "Too many registration attempts, please try again after 1 hour."}
	RulePasswordReset = RateRule{Name: "password_reset", Limit: 10, Window: time.Hour,
		Message: "Too many password reset attempts, please try again after 1 hour."}
	RuleEmailVerification = RateRule{Name: "email_verification", Limit: 10, Window: 15 * time.Minute,
		Message: "Too many verification email requests, please try again after 15 minutes."}
)

type RateDecision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimiter counts requests per client in fixed windows stored in the
// ephemeral store. Store errors let the request through.
type RateLimiter struct {
	store   KeyValueStore
	log     logging.Logger
	enabled bool
}

func NewRateLimiter(store KeyValueStore, log logging.Logger, enabled bool) *RateLimiter {
	return &RateLimiter{store: store, log: log, enabled: enabled}
}

func (r *RateLimiter) Allow(ctx context.Context, rule RateRule, client string) RateDecision {
	open := RateDecision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}
	if r == nil || !r.enabled {
		return open
	}

	count, ttl, err := r.store.Incr(ctx, "ratelimit:"+rule.Name+":"+client, rule.Window)
	if err != nil {
		r.log.Warn(ctx, "rate limit check failed, allowing request", "rule", rule.Name, "err", err)
		return open
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	decision := RateDecision{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
	}
	if !decision.Allowed {
		decision.RetryAfter = ttl
	}
	return decision
}
