// Package ratelimit implements a token bucket that paces row processing.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/registry-scraper/internal/metrics"
)

// Config holds pacing configuration. RowsPerMinute <= 0 disables pacing.
type Config struct {
	RowsPerMinute int
	Burst         int
}

// Limiter paces row clicks for a job.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(float64(cfg.RowsPerMinute) / 60)
	if cfg.RowsPerMinute <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Limit reports the configured rate in rows per second.
func (l *Limiter) Limit() rate.Limit {
	if l == nil {
		return rate.Inf
	}
	return l.limiter.Limit()
}

// Wait blocks until the next row may be processed, respecting the context.
// A nil Limiter never blocks.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter.Limit() == rate.Inf {
		return nil
	}
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were already available are not counted as pacing.
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRowPacingDelay(duration)
	}
	return nil
}
