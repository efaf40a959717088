package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/siteharvest/harvester/internal/scrape"
	"github.com/siteharvest/harvester/internal/telemetry"
)

// BackoffPolicy wraps a single extractor invocation with bounded retries
// and jittered exponential delay.
type BackoffPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	maxDelay    time.Duration
	jitter      bool
}

// BackoffConfig holds the retry knobs. Zero values fall back to defaults.
type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      bool
}

// NewBackoffPolicy builds a policy with sane defaults: 3 attempts,
// 500ms base, doubling, 30s cap.
func NewBackoffPolicy(cfg BackoffConfig) *BackoffPolicy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &BackoffPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		multiplier:  cfg.Multiplier,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
	}
}

// MaxAttempts returns the attempt bound.
func (p *BackoffPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Execute runs extract-with-retry for one target. It returns the first
// successful Result, or the last error once attempts are exhausted, the
// error is non-retryable, or ctx finishes. The attempt itself runs on a
// context that survives cancellation of ctx (an in-flight extraction is
// allowed to finish, not killed) but still honors ctx's deadline; no new
// attempt starts after ctx is done.
func (p *BackoffPolicy) Execute(ctx context.Context, extractor scrape.Extractor, target scrape.Target) (scrape.Result, int, error) {
	attemptCtx := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithDeadline(attemptCtx, deadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		telemetry.ObserveExtractionAttempt(target.URL)
		result, err := extractor.Extract(attemptCtx, target)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if attempt == p.maxAttempts {
			break
		}
		if !scrape.IsRetryable(err) {
			return scrape.Result{}, attempt, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return scrape.Result{}, attempt, err
		}
		if sleepErr := p.sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return scrape.Result{}, attempt, fmt.Errorf("retry wait: %w", sleepErr)
		}
	}
	return scrape.Result{}, p.maxAttempts, lastErr
}

// Delay returns the pre-jitter backoff for the given attempt (1-based):
// min(maxDelay, baseDelay * multiplier^(attempt-1)). Non-decreasing in
// attempt up to the cap.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}

// sleep waits for the delay plus jitter without blocking sibling units,
// aborting early if ctx finishes.
func (p *BackoffPolicy) sleep(ctx context.Context, delay time.Duration) error {
	if p.jitter {
		delay += randomJitter(delay / 2)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
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
