package resilience

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/common/errors"
)

func fastConfig() Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
		Breaker: BreakerConfig{MaxFailures: 10, Timeout: time.Minute, MaxConcurrentRequests: 1},
	}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int
		err := Retry(context.Background(), fastConfig().Retry, func(attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New(errors.KindAuthorityUnavailable, "503")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error with kind intact", func(t *testing.T) {
		var calls int
		err := Retry(context.Background(), fastConfig().Retry, func(int) error {
			calls++
			return errors.New(errors.KindConnection, "reset")
		})
		assert.Equal(t, 3, calls)
		assert.Equal(t, errors.KindConnection, errors.KindOf(err))
	})

	t.Run("permanent error not retried", func(t *testing.T) {
		var calls int
		err := Retry(context.Background(), fastConfig().Retry, func(int) error {
			calls++
			return errors.New(errors.KindAuthorityRejected, "bad figures")
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, errors.KindAuthorityRejected, errors.KindOf(err))
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := fastConfig().Retry
		cfg.InitialDelay = time.Hour
		err := Retry(ctx, cfg, func(int) error {
			cancel()
			return errors.New(errors.KindAuthorityUnavailable, "503")
		})
		assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		var calls int
		_ = Retry(context.Background(), RetryConfig{}, func(int) error {
			calls++
			return errors.New(errors.KindConnection, "x")
		})
		assert.Equal(t, 1, calls)
	})
}

func TestRandomInt64n(t *testing.T) {
	assert.Equal(t, int64(0), randomInt64n(0))
	for i := 0; i < 100; i++ {
		v := randomInt64n(10)
		assert.True(t, v >= 0 && v < 10)
	}
}

func TestBreaker(t *testing.T) {
	t.Run("opens after consecutive transient failures", func(t *testing.T) {
		b := NewBreaker("test", BreakerConfig{MaxFailures: 2, Timeout: time.Minute, MaxConcurrentRequests: 1}, nil)
		unavailable := errors.New(errors.KindAuthorityUnavailable, "503")

		_ = b.Execute(func() error { return unavailable })
		_ = b.Execute(func() error { return unavailable })
		assert.Equal(t, "open", b.State())

		called := false
		err := b.Execute(func() error { called = true; return nil })
		assert.False(t, called)
		appErr, ok := errors.As(err)
		require.True(t, ok)
		assert.Equal(t, errors.KindAuthorityUnavailable, appErr.Kind)
		assert.Equal(t, CodeCircuitOpen, appErr.Code)
	})

	t.Run("rejections do not trip", func(t *testing.T) {
		b := NewBreaker("test", BreakerConfig{MaxFailures: 1, Timeout: time.Minute, MaxConcurrentRequests: 1}, nil)
		for i := 0; i < 5; i++ {
			_ = b.Execute(func() error { return errors.New(errors.KindAuthorityRejected, "400") })
		}
		assert.Equal(t, "closed", b.State())
		assert.Equal(t, uint32(5), b.Counts().TotalSuccesses)
	})

	t.Run("invalid config falls back", func(t *testing.T) {
		b := NewBreaker("test", BreakerConfig{}, nil)
		assert.Equal(t, "closed", b.State())
	})
}

func TestInvoker_Execute(t *testing.T) {
	t.Run("retries transient then succeeds", func(t *testing.T) {
		inv := NewInvoker("authority", fastConfig(), nil)
		var calls int32
		err := inv.Execute(context.Background(), "trigger", func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New(errors.KindAuthorityUnavailable, "502")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("auth rejection returned immediately", func(t *testing.T) {
		inv := NewInvoker("authority", fastConfig(), nil)
		var calls int32
		err := inv.Execute(context.Background(), "declare", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New(errors.KindAuthRejected, "401")
		})
		assert.Equal(t, errors.KindAuthRejected, errors.KindOf(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("open circuit is not retried", func(t *testing.T) {
		cfg := fastConfig()
		cfg.Breaker = BreakerConfig{MaxFailures: 1, Timeout: time.Minute, MaxConcurrentRequests: 1}
		inv := NewInvoker("authority", cfg, nil)
		var calls int32
		err := inv.Execute(context.Background(), "get", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New(errors.KindAuthorityUnavailable, "503")
		})
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		appErr, ok := errors.As(err)
		require.True(t, ok)
		assert.Equal(t, CodeCircuitOpen, appErr.Code)
		assert.Equal(t, "open", inv.BreakerState())
	})

	t.Run("per call timeout applied", func(t *testing.T) {
		cfg := fastConfig()
		cfg.Retry.MaxAttempts = 1
		cfg.CallTimeout = 10 * time.Millisecond
		inv := NewInvoker("authority", cfg, nil)
		err := inv.Execute(context.Background(), "slow", func(ctx context.Context) error {
			<-ctx.Done()
			return errors.Wrap(errors.KindTimeout, "call timed out", ctx.Err())
		})
		assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	})

	t.Run("rate limited", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RequestsPerSecond = 20
		cfg.Burst = 1
		inv := NewInvoker("authority", cfg, nil)

		start := time.Now()
		for i := 0; i < 3; i++ {
			require.NoError(t, inv.Execute(context.Background(), "op", func(context.Context) error { return nil }))
		}
		assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	})
}
