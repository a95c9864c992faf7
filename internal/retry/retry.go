// Package retry retries operations with exponential backoff.
//
// The backoff before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped
// at MaxBackoff, plus a jitter that grows linearly with the attempt number.
// A canceled context ends the loop during a backoff wait.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior.
type Config struct {
	// MaxRetries is the maximum number of attempts. Values below 1 mean a
	// single attempt.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt. Zero means
	// DefaultInitialBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of the backoff (0.0 to 1.0).
	Jitter float64

	// OnRetry is called before each backoff wait with the failed attempt
	// number and its error.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultInitialBackoff is used when Config.InitialBackoff is zero.
const DefaultInitialBackoff = 100 * time.Millisecond

// DefaultConfig returns the retry settings used for host connections.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.2,
	}
}

// ShouldRetryFunc reports whether an error is transient. A nil func retries
// every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects its error or
// cfg.MaxRetries attempts are used. The last error is wrapped when attempts
// run out.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(cfg, attempt)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr, backoff)
			}

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

func (cfg Config) normalized() Config {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	return cfg
}

// calculateBackoff returns the wait before attempt (1-based retry index).
func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		jitter := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitter)
	}
	return backoff
}
