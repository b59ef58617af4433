package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
)

// Retry configuration constants
const (
	DefaultMaxRetries   = 2
	DefaultBaseDelay    = 50 * time.Millisecond
	DefaultMaxDelay     = 400 * time.Millisecond
	DefaultJitterFactor = 0.2
)

// RetryConfig holds retry settings. MaxRetries of zero disables retrying.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// DefaultRetryConfig returns settings for short local operations such as file writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  apperrors.IsRetryable,
	}
}

// Retry executes fn with exponential backoff. Returns the last error if all attempts fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		slog.Debug("retrying after error", "attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", lastErr)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}

// backoffDelay calculates exponential backoff with jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << min(attempt, 6)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	// delay * (1 ± jitterFactor/2)
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.IsRetryable == nil {
		c.IsRetryable = apperrors.IsRetryable
	}
	return c
}
