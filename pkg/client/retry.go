package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// BackoffStrategy selects how the wait grows between transient failures.
type BackoffStrategy string

const (
	// BackoffFixed waits base * attempt.
	BackoffFixed BackoffStrategy = "fixed"

	// BackoffExponential waits base * 2^attempt.
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy holds the configuration for retry logic.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// request) spent on transient failures.
	MaxAttempts int

	// BackoffBase is the unit of backoff.
	BackoffBase time.Duration

	// Backoff selects the transient backoff curve.
	Backoff BackoffStrategy

	// MaxBackoff caps any single wait.
	MaxBackoff time.Duration

	// MaxRateLimitRetries is a separate budget for 429 responses, which
	// always back off exponentially.
	MaxRateLimitRetries int

	// Jitter is the +/- fraction applied to each wait (0 disables).
	Jitter float64
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		BackoffBase:         2 * time.Second,
		Backoff:             BackoffFixed,
		MaxBackoff:          60 * time.Second,
		MaxRateLimitRetries: 10,
		Jitter:              0,
	}
}

// transientBackoff returns the wait after the n-th transient failure.
func (p RetryPolicy) transientBackoff(n int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffExponential:
		d = time.Duration(float64(p.BackoffBase) * math.Pow(2, float64(n)))
	default:
		d = p.BackoffBase * time.Duration(n)
	}
	return p.capped(d)
}

// rateLimitBackoff returns the wait after the n-th 429, never shorter than
// the source's Retry-After.
func (p RetryPolicy) rateLimitBackoff(n int, retryAfter time.Duration) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	d := p.capped(time.Duration(float64(base) * math.Pow(2, float64(n))))
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (p RetryPolicy) capped(d time.Duration) time.Duration {
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Operation is one attempt of a logical request. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Retrier runs an Operation under a RetryPolicy.
type Retrier struct {
	policy RetryPolicy
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
}

// RetrierOption customises a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the context-aware backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// NewRetrier creates a Retrier. Non-positive budgets fall back to defaults.
func NewRetrier(policy RetryPolicy, logger zerolog.Logger, opts ...RetrierOption) *Retrier {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.MaxRateLimitRetries <= 0 {
		policy.MaxRateLimitRetries = def.MaxRateLimitRetries
	}
	if policy.Backoff == "" {
		policy.Backoff = def.Backoff
	}
	r := &Retrier{
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

type retryState int

const (
	stateAttempting retryState = iota
	stateWaiting
	stateSucceeded
	stateFailed
)

// Do runs op until it succeeds, fails with a non-retryable error, or a
// retry budget runs out. Transient failures and 429s draw from separate
// budgets. Exhaustion returns an error matching ErrRetryExhausted that
// still unwraps to the last *RequestError.
func (r *Retrier) Do(ctx context.Context, op Operation) error {
	var (
		state      = stateAttempting
		attempt    int
		transient  int
		throttled  int
		wait       time.Duration
		errorClass ErrorClass
		lastErr    error
	)

	for {
		switch state {
		case stateAttempting:
			attempt++
			err := op(ctx, attempt)
			if err == nil {
				state = stateSucceeded
				continue
			}
			lastErr = err

			if ctxErr := ctx.Err(); ctxErr != nil {
				lastErr = fmt.Errorf("%w: %v", ErrContextCancelled, ctxErr)
				state = stateFailed
				continue
			}

			errorClass = ClassOf(err)
			if !shouldRetry(errorClass) {
				state = stateFailed
				continue
			}

			if errorClass == ErrorClassRateLimited {
				throttled++
				if throttled > r.policy.MaxRateLimitRetries {
					lastErr = r.exhausted(errorClass, attempt, err)
					state = stateFailed
					continue
				}
				wait = r.policy.rateLimitBackoff(throttled, retryAfterOf(err))
			} else {
				transient++
				if transient >= r.policy.MaxAttempts {
					lastErr = r.exhausted(errorClass, attempt, err)
					state = stateFailed
					continue
				}
				wait = r.policy.transientBackoff(transient)
			}
			state = stateWaiting

		case stateWaiting:
			wait = r.jittered(wait)
			retriesTotal.WithLabelValues(string(errorClass)).Inc()
			retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(wait.Seconds())

			r.logger.Warn().
				Err(lastErr).
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Request failed, retrying after backoff")

			if err := r.sleep(ctx, wait); err != nil {
				r.logger.Warn().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Context cancelled during retry backoff")
				lastErr = fmt.Errorf("%w: %v", ErrContextCancelled, err)
				state = stateFailed
				continue
			}
			state = stateAttempting

		case stateSucceeded:
			if attempt > 1 {
				r.logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil

		case stateFailed:
			return lastErr
		}
	}
}

func (r *Retrier) exhausted(errorClass ErrorClass, attempts int, lastErr error) error {
	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	r.logger.Error().
		Err(lastErr).
		Str("error_class", string(errorClass)).
		Int("attempts", attempts).
		Msg("Retry attempts exhausted")
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}

func (r *Retrier) jittered(d time.Duration) time.Duration {
	if r.policy.Jitter <= 0 || d <= 0 {
		return d
	}
	j := 1 - r.policy.Jitter + r.rand()*2*r.policy.Jitter
	return time.Duration(float64(d) * j)
}

func retryAfterOf(err error) time.Duration {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.RetryAfter
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
