// Package ratelimit implements per-key token bucket admission control.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/review-harvester/internal/metrics"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// Config holds token bucket settings shared by every key in a registry.
type Config struct {
	RatePerSecond float64
	BurstCapacity int
	// MaxWait bounds how long a caller may be asked to wait. Zero means unbounded.
	MaxWait time.Duration
}

// Registry manages one token bucket per key. Buckets are created lazily and live
// as long as the registry.
type Registry struct {
	name    string
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	maxWait time.Duration
}

// New creates a Registry. The name labels wait metrics.
func New(name string, cfg Config) *Registry {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstCapacity
	if burst <= 0 {
		burst = 1
	}
	return &Registry{
		name:    name,
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
		maxWait: cfg.MaxWait,
	}
}

// Wait blocks until a token for key is available. Tokens are reserved in call
// order, so waiters on the same key are admitted FIFO. It fails with
// scraper.ErrRateLimitExceeded when the reservation would exceed MaxWait and
// returns promptly when ctx ends.
func (r *Registry) Wait(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	start := time.Now()
	reservation := r.bucket(key).ReserveN(start, 1)
	if !reservation.OK() {
		return fmt.Errorf("rate limit %s: %w", key, scraper.ErrRateLimitExceeded)
	}
	delay := reservation.DelayFrom(start)
	if r.maxWait > 0 && delay > r.maxWait {
		reservation.CancelAt(start)
		return fmt.Errorf("rate limit %s: wait %s exceeds %s: %w", key, delay, r.maxWait, scraper.ErrRateLimitExceeded)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	case <-timer.C:
	}
	metrics.ObserveRateLimitWait(r.name, time.Since(start))
	return nil
}

// Keys reports how many buckets have been created.
func (r *Registry) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

func (r *Registry) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.buckets[key] = limiter
	}
	return limiter
}
