package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Classifier reports whether an error is transient and worth retrying.
// Validation and business-rule errors must classify as permanent.
type Classifier func(err error) bool

// IsTransient is the default classifier: network errors, timeouts, and
// context deadline expiry on the attempt are transient; everything else
// is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryConfig tunes Retry. Zero values get defaults.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // backoff cap
	Classify    Classifier    // defaults to IsTransient
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Classify == nil {
		c.Classify = IsTransient
	}
	return c
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff and
// full jitter between attempts. Only errors the classifier marks transient
// are retried; permanent errors return immediately. Cancelling ctx aborts
// the wait between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.Classify(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		// Full jitter: sleep a uniform random duration up to the current
		// backoff ceiling.
		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("resilience: %d attempts exhausted: %w", cfg.MaxAttempts, lastErr)
}
