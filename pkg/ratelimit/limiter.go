// Package ratelimit bounds the outbound request rate of a harvest.
//
// Limiter is a process-local token bucket. Tracker carries 429 cooldowns
// announced by the source (Retry-After) across workers and, when backed by
// Redis, across harvester processes sharing one API key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "harvester_limiter_wait_seconds",
	Help:    "Time spent waiting for a rate limiter token",
	Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
})

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Limiter is a token bucket with capacity and refill rate both equal to the
// configured requests per second. A nil *Limiter never blocks.
type Limiter struct {
	mu     sync.Mutex
	rate   float64
	tokens float64
	last   time.Time

	now   func() time.Time
	sleep SleepFunc
}

// LimiterOption customises a Limiter.
type LimiterOption func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware timer sleep.
func WithSleep(sleep SleepFunc) LimiterOption {
	return func(l *Limiter) { l.sleep = sleep }
}

// NewLimiter returns a limiter allowing rps requests per second, starting
// with a full bucket. rps <= 0 returns nil, which disables limiting.
func NewLimiter(rps float64, opts ...LimiterOption) *Limiter {
	if rps <= 0 {
		return nil
	}
	l := &Limiter{
		rate:  rps,
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tokens = rps
	l.last = l.now()
	return l
}

// Acquire blocks until one token is available and consumes it.
//
// The token is reserved inside the critical section, so concurrent callers
// queue up behind each other with waits of (1 - tokens)/rate computed from
// the bucket level at reservation time. Sleeping happens outside the lock.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	l.refill(l.now())
	var wait time.Duration
	if l.tokens < 1 {
		wait = time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	}
	l.tokens--
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	limiterWaitSeconds.Observe(wait.Seconds())
	if err := l.sleep(ctx, wait); err != nil {
		l.mu.Lock()
		l.tokens++
		l.mu.Unlock()
		return err
	}
	return nil
}

// Tokens returns the current bucket level. Negative values mean callers
// are already queued for future tokens.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.now())
	return l.tokens
}

// Rate returns the configured requests per second.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	return l.rate
}

func (l *Limiter) refill(now time.Time) {
	if now.Before(l.last) {
		// clock went backwards; treat as no elapsed time
		return
	}
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.rate {
		l.tokens = l.rate
	}
	l.last = now
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
