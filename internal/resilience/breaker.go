package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
)

// CodeCircuitOpen marks AUTHORITY_UNAVAILABLE errors produced by an open breaker
const CodeCircuitOpen = "CIRCUIT_OPEN"

// BreakerConfig holds the configuration for a circuit breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int
	// Timeout is how long the circuit stays open before going half-open
	Timeout time.Duration
	// MaxConcurrentRequests is the number of probes allowed while half-open
	MaxConcurrentRequests int
}

var (
	// AuthorityBreaker suits calls to the tax authority API
	AuthorityBreaker = BreakerConfig{
		MaxFailures:           3,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 2,
	}

	// OAuthBreaker suits token endpoint calls, which tolerate a few more failures
	OAuthBreaker = BreakerConfig{
		MaxFailures:           5,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
	}
)

// Validate checks if the configuration is valid
func (c BreakerConfig) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("MaxFailures must be positive, got %d", c.MaxFailures)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("MaxConcurrentRequests must be positive, got %d", c.MaxConcurrentRequests)
	}
	return nil
}

// Breaker wraps a gobreaker.CircuitBreaker. Only transient failures count
// against it; an authority rejecting a request proves the authority is up.
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  logging.Logger
}

// NewBreaker creates a named breaker. An invalid config falls back to AuthorityBreaker.
func NewBreaker(name string, config BreakerConfig, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults",
			logging.Field{Key: "breaker", Value: name},
			logging.Err(err),
		)
		config = AuthorityBreaker
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Interval:    time.Minute,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				logging.Field{Key: "breaker", Value: name},
				logging.Field{Key: "from", Value: from.String()},
				logging.Field{Key: "to", Value: to.String()},
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if stderrors.Is(err, context.Canceled) {
				return true
			}
			return !errors.IsRetryable(err)
		},
	}

	return &Breaker{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Execute runs fn inside the breaker. An open or saturated breaker returns
// AUTHORITY_UNAVAILABLE with code CIRCUIT_OPEN without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Wrap(errors.KindAuthorityUnavailable,
			fmt.Sprintf("circuit breaker '%s' is open", b.name), err).WithCode(CodeCircuitOpen)
	}

	return err
}

// State returns the gobreaker state name: closed, open or half-open
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// Counts returns the current counts from gobreaker
func (b *Breaker) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}
