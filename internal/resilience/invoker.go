// Package resilience executes calls to external services with a client-side
// rate limit, a circuit breaker and retry with exponential backoff.
package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
)

// Config configures an Invoker
type Config struct {
	Retry RetryConfig
	// RequestsPerSecond and Burst bound outbound traffic; zero disables the limit
	RequestsPerSecond float64
	Burst             int
	// CallTimeout bounds each attempt; zero leaves only the caller's deadline
	CallTimeout time.Duration
	Breaker     BreakerConfig
}

// DefaultConfig matches the authority's published 3 requests per second
func DefaultConfig() Config {
	return Config{
		Retry:             DefaultRetryConfig(),
		RequestsPerSecond: 3,
		Burst:             3,
		CallTimeout:       30 * time.Second,
		Breaker:           AuthorityBreaker,
	}
}

// Invoker is the resilient execution boundary for authority calls.
// It is safe for concurrent use.
type Invoker struct {
	name    string
	config  Config
	limiter *rate.Limiter
	breaker *Breaker
	logger  logging.Logger
}

// NewInvoker creates an Invoker whose breaker is named after name
func NewInvoker(name string, config Config, logger logging.Logger) *Invoker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithFields(logging.Field{Key: "component", Value: "resilience"}, logging.Field{Key: "invoker", Value: name})

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &Invoker{
		name:    name,
		config:  config,
		limiter: limiter,
		breaker: NewBreaker(name, config.Breaker, logger),
		logger:  logger,
	}
}

// Execute runs call with the invoker's policies. op names the call in logs.
// Transient failures (AUTHORITY_UNAVAILABLE, CONNECTION, TIMEOUT) are retried;
// everything else, and an open circuit, is returned at once.
func (i *Invoker) Execute(ctx context.Context, op string, call func(ctx context.Context) error) error {
	retry := i.config.Retry
	retry.ShouldRetry = func(err error) bool {
		if appErr, ok := errors.As(err); ok && appErr.Code == CodeCircuitOpen {
			return false
		}
		return errors.IsRetryable(err)
	}

	return Retry(ctx, retry, func(attempt int) error {
		if i.limiter != nil {
			if err := i.limiter.Wait(ctx); err != nil {
				return contextError(ctx.Err(), "rate limiter wait interrupted", err)
			}
		}

		err := i.breaker.Execute(func() error {
			callCtx := ctx
			if i.config.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, i.config.CallTimeout)
				defer cancel()
			}
			return call(callCtx)
		})

		if err != nil && errors.IsRetryable(err) {
			i.logger.Warn("Authority call failed",
				logging.Field{Key: "op", Value: op},
				logging.Field{Key: "attempt", Value: attempt},
				logging.Err(err),
			)
		}
		return err
	})
}

// BreakerState exposes the breaker state for status reporting
func (i *Invoker) BreakerState() string {
	return i.breaker.State()
}
