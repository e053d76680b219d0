package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"runcore/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`   // retries after the first attempt (default: 3)
	BaseDelay    time.Duration `mapstructure:"base_delay" yaml:"base_delay"`       // base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`         // maximum delay between retries (default: 30s)
	JitterFactor float64       `mapstructure:"jitter_factor" yaml:"jitter_factor"` // ±fraction of the delay (default: 0.25)
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryWithResult executes fn, retrying transient failures with exponential
// backoff. Permanent errors and cancellation end the loop immediately.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			logger.Debug("Context cancelled, stopping retries")
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		if attempt > 0 {
			logger.Debug("Retrying (attempt %d/%d)", attempt+1, config.MaxAttempts+1)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		if !IsTransient(err) {
			logger.Debug("Attempt %d failed with non-transient error: %v", attempt+1, err)
			return zero, err
		}
		logger.Debug("Attempt %d failed: %v", attempt+1, err)

		if attempt == config.MaxAttempts {
			logger.Warn("Max retries (%d) exhausted", config.MaxAttempts+1)
			break
		}

		delay := retryDelay(err, attempt, config)
		logger.Debug("Waiting %v before next retry", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("Context cancelled during backoff")
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryDelay honours an upstream Retry-After hint when it is longer than the
// computed backoff.
func retryDelay(err error, attempt int, config RetryConfig) time.Duration {
	delay := calculateBackoff(attempt, config)
	var transient *TransientError
	if errors.As(err, &transient) && transient.RetryAfter > delay {
		delay = transient.RetryAfter
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}

// calculateBackoff calculates exponential backoff with jitter
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	// attempt 0 -> base, attempt 1 -> 2*base, attempt 2 -> 4*base
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
