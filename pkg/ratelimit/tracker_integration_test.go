//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_SharedCooldown(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	// Two trackers stand in for two harvester processes.
	first := NewTracker(redisClient, logger)
	second := NewTracker(redisClient, logger)

	state, err := second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.IsActive(time.Now()) {
		t.Fatal("expected no cooldown in empty Redis")
	}

	headers := http.Header{}
	headers.Set("Retry-After", "2")
	d, err := first.UpdateFromHeaders(ctx, http.StatusTooManyRequests, headers)
	if err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	if d != 2*time.Second {
		t.Fatalf("UpdateFromHeaders() = %v, want 2s", d)
	}

	state, err = second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsActive(time.Now()) {
		t.Fatal("second tracker should see the shared cooldown")
	}
	if state.LastUpdate.IsZero() {
		t.Error("LastUpdate should be stored alongside the cooldown")
	}

	start := time.Now()
	if err := second.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Wait() returned after %v, expected to honour the shared cooldown", elapsed)
	}

	// Keys expire with the cooldown.
	time.Sleep(500 * time.Millisecond)
	if n, err := redisClient.Exists(ctx, RedisKeyCooldownUntil).Result(); err != nil || n != 0 {
		t.Errorf("cooldown key should have expired, exists=%d err=%v", n, err)
	}
}
