// Package retry provides bounded retry with exponential backoff for
// backend calls that fail on transient connectivity errors.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts, at least 1
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound for a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// ShouldRetry classifies errors. When nil every error is retried.
	ShouldRetry func(error) bool

	// OnRetry, when set, is called before each wait with the attempt that failed.
	OnRetry func(attempt int, err error)
}

// Once returns a config that never retries.
func Once() Config {
	return Config{MaxAttempts: 1}
}

// DefaultConfig returns the backoff used when retries are enabled.
func DefaultConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

func (c Config) attempts() int {
	return max(c.MaxAttempts, 1)
}

func (c Config) retryable(err error) bool {
	return c.ShouldRetry == nil || c.ShouldRetry(err)
}

// Do calls fn until it succeeds or returns an error ShouldRetry rejects,
// MaxAttempts is used up, or ctx is done. The error of the last attempt is
// returned as is, except that cancellation during a wait returns ctx.Err().
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	n := cfg.attempts()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt == n || !cfg.retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		t := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Backoff returns the wait after the given failed attempt.
func (c Config) Backoff(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	wait := float64(c.InitialWait) * math.Pow(mult, float64(attempt-1))
	if c.MaxWait > 0 {
		wait = math.Min(wait, float64(c.MaxWait))
	}
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(wait, 0))
}
