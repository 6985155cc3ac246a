package resilience

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"taxfiler/internal/common/errors"
)

// RetryConfig controls exponential backoff between attempts.
type RetryConfig struct {
	// MaxAttempts counts the initial attempt
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterFactor adds up to this fraction of the delay at random
	JitterFactor float64
	// ShouldRetry decides per error; nil retries transient AppErrors only
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns three attempts starting at 500ms
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned as is so its kind survives.
// Cancellation of ctx while waiting returns CANCELLED or TIMEOUT wrapping the
// last error.
func Retry(ctx context.Context, config RetryConfig, fn func(attempt int) error) error {
	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = errors.IsRetryable
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) || attempt == attempts {
			return lastErr
		}

		wait := delay
		if config.JitterFactor > 0 {
			wait += time.Duration(randomInt64n(int64(float64(delay) * config.JitterFactor)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return contextError(ctx.Err(), "retry interrupted", lastErr)
		case <-timer.C:
		}

		if config.BackoffFactor > 0 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return lastErr
}

func contextError(ctxErr error, msg string, cause error) error {
	if cause == nil {
		cause = ctxErr
	}
	if ctxErr == context.Canceled {
		return errors.Wrap(errors.KindCancelled, msg, cause)
	}
	return errors.Wrap(errors.KindTimeout, msg, cause)
}

// randomInt64n returns a uniformly random value in [0, n) from crypto/rand
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano() % n
	}
	return int64(binary.BigEndian.Uint64(b[:])>>1) % n
}
