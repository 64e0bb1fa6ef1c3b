package resilience

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/kbukum/etlkit/errors"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=0"`
	// InitialDelayMs is the delay before the first retry.
	InitialDelayMs int `mapstructure:"initial_delay_ms" validate:"gte=0"`
	// MaxDelayMs caps the delay between retries.
	MaxDelayMs int `mapstructure:"max_delay_ms" validate:"gte=0"`
	// Multiplier is the exponential backoff factor.
	Multiplier float64 `mapstructure:"multiplier" validate:"gte=0"`
	// Jitter adds randomness to backoff (0.0 to 1.0).
	Jitter float64 `mapstructure:"jitter" validate:"gte=0,lte=1"`
	// RetryIf determines if an error should be retried.
	RetryIf func(error) bool `mapstructure:"-"`
	// OnRetry is called before each retry.
	OnRetry func(attempt int, err error, backoff time.Duration) `mapstructure:"-"`
}

// DefaultRetryConfig returns the engine defaults: three attempts, one
// second initial delay doubling up to thirty seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelayMs: 1000,
		MaxDelayMs:     30000,
		Multiplier:     2.0,
		RetryIf:        apperrors.IsRetryable,
	}
}

// ApplyDefaults fills zero fields with DefaultRetryConfig values.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelayMs <= 0 {
		c.InitialDelayMs = d.InitialDelayMs
	}
	if c.MaxDelayMs <= 0 {
		c.MaxDelayMs = d.MaxDelayMs
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.RetryIf == nil {
		c.RetryIf = d.RetryIf
	}
}

// Retry executes fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. The last error is returned on exhaustion.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	cfg.ApplyDefaults()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		backoff := calculateBackoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, backoff)
		}
		if err := Wait(ctx, backoff); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// RetryFunc executes a function that returns only an error.
func RetryFunc(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	_, err := Retry(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// calculateBackoff applies jitter to the capped exponential delay of the
// given one-based attempt.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(Delay(attempt-1, cfg.InitialDelayMs, cfg.MaxDelayMs, cfg.Multiplier))

	if cfg.Jitter > 0 {
		jitterRange := backoff * cfg.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterRange
	}

	maxBackoff := float64(time.Duration(cfg.MaxDelayMs) * time.Millisecond)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
