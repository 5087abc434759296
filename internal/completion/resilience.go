package completion

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior for the
// resilient wrapper.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      90 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Resilient wraps a Service with exponential-backoff retry for transient
// failures and a circuit breaker that sheds load after repeated ones.
type Resilient struct {
	inner    Service
	breaker  *gobreaker.CircuitBreaker
	retryCfg RetryConfig
}

// NewResilient wraps svc with retry and circuit-breaker protection.
func NewResilient(svc Service, retryCfg RetryConfig) *Resilient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "completion",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a provider failure.
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	return &Resilient{inner: svc, breaker: cb, retryCfg: retryCfg}
}

// Complete calls the wrapped service, retrying transient failures with
// exponential backoff. When the breaker is open every call fails fast
// with a transient "circuit_open" ServiceError.
func (r *Resilient) Complete(ctx context.Context, req Request) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryCfg.InitialInterval
	bo.MaxInterval = r.retryCfg.MaxInterval
	bo.MaxElapsedTime = r.retryCfg.MaxElapsedTime
	bo.Multiplier = r.retryCfg.Multiplier
	bo.RandomizationFactor = r.retryCfg.RandomizationFactor

	var resp *Response
	operation := func() error {
		result, err := r.breaker.Execute(func() (interface{}, error) {
			return r.inner.Complete(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return &ServiceError{Code: "circuit_open", Transient: true, Err: err}
			}
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = result.(*Response)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}
