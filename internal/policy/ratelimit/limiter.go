// Package ratelimit implements the token bucket that gates detail page fetches.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/public-register-crawler/internal/metrics"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration: Rate tokens are added every Per, up to Burst.
type Config struct {
	Rate  float64
	Per   time.Duration
	Burst int
}

// Limiter is a token bucket shared by all workers. The bucket starts full.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter. A non-positive Rate disables limiting.
func New(cfg Config) *Limiter {
	per := cfg.Per
	if per <= 0 {
		per = time.Second
	}
	limit := rate.Limit(cfg.Rate / per.Seconds())
	if cfg.Rate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// Acquire blocks until one token is available and consumes it. The caller is
// suspended for exactly the current deficit; concurrent callers each reserve
// their own token and sleep outside the bucket's lock.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}
