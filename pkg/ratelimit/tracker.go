package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	cooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_cooldown_seconds",
		Help: "Remaining shared 429 cooldown in seconds",
	})

	cooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_cooldowns_total",
		Help: "Total number of 429 responses that started or extended a cooldown",
	})
)

// Tracker holds the source's throttle cooldown. Without Redis the state is
// local to the process; with Redis every process pointed at the same
// instance honours a cooldown announced to any one of them.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
	sleep  SleepFunc

	mu    sync.Mutex
	local CooldownState
}

// NewTracker creates a cooldown tracker. redisClient may be nil. A nil
// *Tracker is valid and never waits.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// GetState returns the current cooldown state.
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		state := t.local
		return &state, nil
	}

	untilMs, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if errors.Is(err, redis.Nil) {
		return &CooldownState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown until: %w", err)
	}

	state := &CooldownState{Until: time.UnixMilli(untilMs)}

	lastUpdate, err := t.redis.Get(ctx, RedisKeyLastUpdate).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get cooldown last update: %w", err)
	}
	if len(lastUpdate) > 0 {
		if err := json.Unmarshal(lastUpdate, &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse cooldown last update: %w", err)
		}
	}

	return state, nil
}

// UpdateFromHeaders starts a cooldown when a 429 response carries a
// Retry-After header. It returns the announced wait, or 0 when none applies.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, statusCode int, headers http.Header) (time.Duration, error) {
	if t == nil || statusCode != http.StatusTooManyRequests {
		return 0, nil
	}
	d, ok := ParseRetryAfter(headers.Get("Retry-After"), t.now())
	if !ok || d <= 0 {
		return 0, nil
	}
	return d, t.Trip(ctx, d)
}

// Trip extends the cooldown to at least now+d. A shorter cooldown never
// replaces a longer one already in force.
func (t *Tracker) Trip(ctx context.Context, d time.Duration) error {
	if d < time.Millisecond {
		// redis expirations have millisecond resolution
		d = time.Millisecond
	}
	now := t.now()
	until := now.Add(d)

	current, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	if !until.After(current.Until) {
		return nil
	}

	state := CooldownState{Until: until, LastUpdate: now}

	if t.redis == nil {
		t.mu.Lock()
		if until.After(t.local.Until) {
			t.local = state
		}
		t.mu.Unlock()
	} else {
		lastUpdateJSON, err := json.Marshal(state.LastUpdate)
		if err != nil {
			return fmt.Errorf("marshal cooldown last update: %w", err)
		}

		pipe := t.redis.Pipeline()
		pipe.Set(ctx, RedisKeyCooldownUntil, strconv.FormatInt(until.UnixMilli(), 10), d)
		pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, d)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store cooldown in redis: %w", err)
		}
	}

	cooldownsTotal.Inc()
	cooldownSeconds.Set(d.Seconds())

	t.logger.Warn().
		Dur("cooldown", d).
		Time("until", until).
		Bool("shared", t.redis != nil).
		Msg("Source throttling - cooldown started")

	return nil
}

// Wait blocks while a cooldown is active. State lookup failures are logged
// and ignored; the per-request backoff still applies in that case.
func (t *Tracker) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Cooldown state unavailable, continuing")
		return nil
	}

	remaining := state.Remaining(t.now())
	if remaining <= 0 {
		cooldownSeconds.Set(0)
		return nil
	}

	t.logger.Debug().Dur("remaining", remaining).Msg("Waiting out source cooldown")
	cooldownSeconds.Set(remaining.Seconds())
	return t.sleep(ctx, remaining)
}
