package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Redis keys for shared cooldown state.
const (
	RedisKeyCooldownUntil = "harvester:cooldown:until"
	RedisKeyLastUpdate    = "harvester:cooldown:last_update"
)

// MaxCooldown caps any single Retry-After the source announces.
const MaxCooldown = 5 * time.Minute

// CooldownState records a throttle window announced by the source.
type CooldownState struct {
	// Until is the instant before which no request should be sent.
	Until time.Time `json:"until"`

	// LastUpdate is when the cooldown was last extended.
	LastUpdate time.Time `json:"last_update"`
}

// IsActive reports whether the cooldown is still in force at now.
func (s *CooldownState) IsActive(now time.Time) bool {
	return s != nil && now.Before(s.Until)
}

// Remaining returns how long callers still have to wait at now.
// Returns 0 once the cooldown has passed.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	if !s.IsActive(now) {
		return 0
	}
	return s.Until.Sub(now)
}

// ParseRetryAfter parses a Retry-After header value, which is either a
// number of seconds or an HTTP date. The result is capped at MaxCooldown.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		d = time.Duration(secs * float64(time.Second))
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
		if d < 0 {
			d = 0
		}
	} else {
		return 0, false
	}

	if d > MaxCooldown {
		d = MaxCooldown
	}
	return d, true
}
