package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps an entry around for a day after its last update.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound indicates no entry exists for the key
	ErrNotFound = errors.New("progress not found")

	// ErrInvalidEntry indicates the stored entry is corrupted
	ErrInvalidEntry = errors.New("invalid progress entry")
)

// Store reads and writes progress entries in Redis.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewStore creates a store. A nil redisClient yields a nil *Store, which
// is valid and stores nothing. Non-positive ttl uses DefaultTTL.
func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	if redisClient == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		redis: redisClient,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get retrieves the entry for key.
func (s *Store) Get(ctx context.Context, key Key) (*Entry, error) {
	if s == nil {
		return nil, ErrNotFound
	}

	data, err := s.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Set stores entry under key, stamping UpdatedAt. Every write renews the
// TTL.
func (s *Store) Set(ctx context.Context, key Key, entry *Entry) error {
	if s == nil {
		return nil
	}
	if entry == nil {
		return fmt.Errorf("progress entry cannot be nil")
	}

	entry.UpdatedAt = s.now()
	data, err := json.Marshal(entry)
	if err != nil {
		Errors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal progress entry: %w", err)
	}

	if err := s.redis.Set(ctx, key.String(), data, s.ttl).Err(); err != nil {
		Errors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	Writes.Inc()
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key Key) error {
	if s == nil {
		return nil
	}
	if err := s.redis.Del(ctx, key.String()).Err(); err != nil {
		Errors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of the entry for key.
func (s *Store) TTL(ctx context.Context, key Key) (time.Duration, error) {
	if s == nil {
		return 0, ErrNotFound
	}
	ttl, err := s.redis.TTL(ctx, key.String()).Result()
	if err != nil {
		Errors.WithLabelValues("ttl").Inc()
		return 0, fmt.Errorf("redis ttl: %w", err)
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}
