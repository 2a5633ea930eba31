package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newLocalTracker(clock *fakeClock) *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tr := NewTracker(nil, logger)
	tr.now = clock.Now
	tr.sleep = clock.Sleep
	return tr
}

func TestTracker_NilIsNoop(t *testing.T) {
	var tr *Tracker
	ctx := context.Background()

	if err := tr.Wait(ctx); err != nil {
		t.Errorf("nil Wait() error = %v", err)
	}
	d, err := tr.UpdateFromHeaders(ctx, http.StatusTooManyRequests, http.Header{"Retry-After": []string{"5"}})
	if err != nil || d != 0 {
		t.Errorf("nil UpdateFromHeaders() = (%v, %v), want (0, nil)", d, err)
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		retryAfter string
		wantWait   time.Duration
	}{
		{name: "429 with seconds", statusCode: http.StatusTooManyRequests, retryAfter: "4", wantWait: 4 * time.Second},
		{name: "429 without header", statusCode: http.StatusTooManyRequests, retryAfter: "", wantWait: 0},
		{name: "503 with header ignored", statusCode: http.StatusServiceUnavailable, retryAfter: "4", wantWait: 0},
		{name: "200 ignored", statusCode: http.StatusOK, retryAfter: "", wantWait: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			tr := newLocalTracker(clock)
			ctx := context.Background()

			headers := http.Header{}
			if tt.retryAfter != "" {
				headers.Set("Retry-After", tt.retryAfter)
			}

			d, err := tr.UpdateFromHeaders(ctx, tt.statusCode, headers)
			if err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}
			if d != tt.wantWait {
				t.Errorf("UpdateFromHeaders() = %v, want %v", d, tt.wantWait)
			}

			if err := tr.Wait(ctx); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
			var slept time.Duration
			for _, s := range clock.slept {
				slept += s
			}
			if slept != tt.wantWait {
				t.Errorf("Wait() slept %v, want %v", slept, tt.wantWait)
			}
		})
	}
}

func TestTracker_TripKeepsLongerCooldown(t *testing.T) {
	clock := newFakeClock()
	tr := newLocalTracker(clock)
	ctx := context.Background()

	if err := tr.Trip(ctx, 10*time.Second); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}
	if err := tr.Trip(ctx, 2*time.Second); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}

	state, err := tr.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if got := state.Remaining(clock.Now()); got != 10*time.Second {
		t.Errorf("Remaining() = %v, want 10s", got)
	}

	clock.Advance(4 * time.Second)
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(clock.slept) != 1 || clock.slept[0] != 6*time.Second {
		t.Errorf("slept = %v, want [6s]", clock.slept)
	}

	// Expired cooldown: no further sleeping.
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(clock.slept) != 1 {
		t.Errorf("expected no sleep after cooldown expired, got %v", clock.slept)
	}
}

func TestTracker_WaitHonoursContext(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tr := NewTracker(nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Trip(ctx, time.Minute); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}
	cancel()

	if err := tr.Wait(ctx); err == nil {
		t.Error("Wait() on cancelled context should return an error")
	}
}
