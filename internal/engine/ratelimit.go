package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/exstacyagency/workflows/internal/cache"
)

// RateLimiter is a fixed-window admission check over a shared Redis
// counter, so budgets hold across server instances. Keys are
// caller-composed strings (for example "jobs:start:<userID>") so distinct
// features never share a budget.
type RateLimiter struct {
	cache cache.Cache
}

func NewRateLimiter(c cache.Cache) *RateLimiter {
	return &RateLimiter{cache: c}
}

// Decision is the outcome of a rate-limit check. Reason is only set when
// the call was rejected.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check admits the call if fewer than limit calls for key landed in the
// current window. Rejected retries never extend the window, so a limited
// client is re-admitted once it expires. On a Redis error the check fails
// open: admission control should degrade, not take the product down.
func (rl *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) Decision {
	count, err := rl.cache.IncrWithExpiry(ctx, cache.RateLimitKey(key), window)
	if err != nil {
		slog.Warn("rate limit check failed open", "key", key, "error", err)
		return Decision{Allowed: true}
	}

	if count > int64(limit) {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("rate limit exceeded: %d/%d in %s", count, limit, window),
		}
	}
	return Decision{Allowed: true}
}
