// Package retry runs operations under an exponential backoff policy with jitter.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// Config controls the retry ceiling and backoff curve.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Policy implements scraper.Retrier with jittered exponential backoff.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New builds a policy, filling unset fields with defaults.
func New(cfg Config) *Policy {
	p := &Policy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 5 * time.Second
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 30 * time.Second
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = p.baseDelay
	}
	return p
}

// MaxAttempts returns the attempt ceiling.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Execute runs op until it succeeds, fails fatally, or exhausts the attempt
// ceiling. Attempts are numbered from 1. A parse-incomplete failure is retried
// once and is fatal the second time. The returned count is the number of
// attempts made.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	var (
		lastErr         error
		parseIncomplete int
	)
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if errors.Is(err, scraper.ErrParseIncomplete) {
			parseIncomplete++
		}
		if !p.ShouldRetry(ctx, err, parseIncomplete) {
			return attempt, err
		}
		if attempt == p.maxAttempts {
			break
		}
		if waitErr := sleep(ctx, p.Backoff(attempt-1)); waitErr != nil {
			return attempt, fmt.Errorf("retry backoff interrupted after %d attempts: %w (last error: %v)", attempt, waitErr, lastErr)
		}
	}
	return p.maxAttempts, fmt.Errorf("%w after %d attempts: %w", scraper.ErrRetriesExhausted, p.maxAttempts, lastErr)
}

// ShouldRetry decides whether the error is retryable given how many
// parse-incomplete failures have been seen.
func (p *Policy) ShouldRetry(ctx context.Context, err error, parseIncomplete int) bool {
	if ctx.Err() != nil {
		return false
	}
	if parseIncomplete > 1 {
		return false
	}
	return scraper.Retryable(err)
}

// Backoff returns the wait before the attempt following the zero-based attempt n.
func (p *Policy) Backoff(n int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(n))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
