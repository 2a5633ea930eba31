// Package progress publishes the state of a running pass to Redis so that
// other processes can observe it.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := progress.NewStore(redisClient, time.Hour)
//
//	key := progress.Key{Source: "https://x.supabase.co/rest/v1/addresses", Base: "addresses"}
//	_ = store.Set(ctx, key, &progress.Entry{State: "FETCHING_ROUND", Rows: 4000})
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, progress.ErrNotFound) {
//		// no pass has reported yet, or the entry expired
//	}
//
// A nil *Store is valid: Set is a no-op and Get returns ErrNotFound. The
// on-disk segments stay authoritative; an entry only mirrors them.
//
// # Metrics
//
//   - harvester_progress_writes_total - Entries published
//   - harvester_progress_errors_total{operation} - Store operation errors
package progress
