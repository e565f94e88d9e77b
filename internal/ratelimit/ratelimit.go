// Package ratelimit implements fixed-window request counters keyed by an
// arbitrary string, backed by a store with an atomic increment.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"go.uber.org/zap"
)

// Store increments the counter for key atomically. When no live window
// exists it starts a new one with count 1 and the given length; an expired
// window is replaced, never incremented.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, expiresAt time.Time, err error)
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Tier is a pair of ceilings; zero disables a ceiling.
type Tier struct {
	Name      string
	PerMinute int
	PerDay    int
}

var Tiers = map[string]Tier{
	"free":       {Name: "free", PerMinute: 5, PerDay: 100},
	"starter":    {Name: "starter", PerMinute: 20, PerDay: 1000},
	"pro":        {Name: "pro", PerMinute: 60, PerDay: 5000},
	"enterprise": {Name: "enterprise", PerMinute: 200, PerDay: 50000},
}

// ResolveTier returns the named tier, or fallback for unknown names.
func ResolveTier(name string, fallback Tier) Tier {
	if t, ok := Tiers[name]; ok {
		return t
	}
	return fallback
}

type RateLimiter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(store Store, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{store: store, logger: logger, now: time.Now}
}

// Check consumes one request from key's window. A limit <= 0 disables the
// check. Store failures fail open: the request is allowed and the error is
// logged, so a store outage never blocks traffic.
func (rl *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) Result {
	now := rl.now()
	if limit <= 0 {
		return Result{Allowed: true, Remaining: -1, ResetAt: now}
	}

	count, expiresAt, err := rl.store.Hit(ctx, key, window)
	if err != nil {
		rl.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.ObserveRateLimit("fail_open")
		return Result{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}
	}

	if count > int64(limit) {
		metrics.ObserveRateLimit("rejected")
		return Result{Allowed: false, Remaining: 0, ResetAt: expiresAt}
	}

	metrics.ObserveRateLimit("allowed")
	return Result{Allowed: true, Remaining: limit - int(count), ResetAt: expiresAt}
}

// CheckTenant applies the per-minute then the per-day ceiling. The day
// window is only consumed when the minute window allows the request.
func (rl *RateLimiter) CheckTenant(ctx context.Context, tenantID string, tier Tier) Result {
	minute := rl.Check(ctx, fmt.Sprintf("tenant:%s:minute", tenantID), tier.PerMinute, time.Minute)
	if !minute.Allowed {
		return minute
	}

	day := rl.Check(ctx, fmt.Sprintf("tenant:%s:day", tenantID), tier.PerDay, 24*time.Hour)
	if !day.Allowed {
		return day
	}

	if tier.PerDay <= 0 {
		return minute
	}
	if tier.PerMinute <= 0 || day.Remaining < minute.Remaining {
		return day
	}
	return minute
}
