package recovery

import (
	"context"
	"math/rand"
	"time"

	"github.com/djlord-it/easy-grid/internal/domain"
)

// BackoffConfig controls retry delays.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	// JitterFrac spreads each delay by ±frac to avoid thundering-herd
	// retries across many executions. Default 0.2.
	JitterFrac float64
}

// DefaultBackoffConfig returns the default retry tuning.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       500 * time.Millisecond,
		Multiplier: 2.0,
		Max:        30 * time.Second,
		JitterFrac: 0.2,
	}
}

// Delay returns the backoff before attempt k (1-based). Attempt 1 has no
// delay; attempt k waits base * multiplier^(k-2), capped, with jitter.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	d := float64(c.Base)
	for i := 2; i < attempt; i++ {
		d *= mult
		if c.Max > 0 && d >= float64(c.Max) {
			d = float64(c.Max)
			break
		}
	}
	if c.Max > 0 && d > float64(c.Max) {
		d = float64(c.Max)
	}

	frac := c.JitterFrac
	if frac <= 0 {
		frac = 0.2
	}
	// uniform in [1-frac, 1+frac]
	jitter := 1 - frac + 2*frac*rand.Float64()
	return time.Duration(d * jitter)
}

// Retryer runs an operation with classified retries: only transient and
// timeout failures are retried, up to MaxAttempts.
type Retryer struct {
	Backoff     BackoffConfig
	MaxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a retryer with the given attempt budget.
func NewRetryer(backoff BackoffConfig, maxAttempts int) *Retryer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Retryer{
		Backoff:     backoff,
		MaxAttempts: maxAttempts,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Do runs op until it succeeds, fails non-retryably, or the attempt
// budget is exhausted. The last error is returned.
func (r *Retryer) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if err := r.sleep(ctx, r.Backoff.Delay(attempt)); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !domain.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
