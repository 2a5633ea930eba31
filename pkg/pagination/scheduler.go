package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var roundsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvester_rounds_total",
	Help: "Total completed fetch rounds",
})

// Sink receives pages in identifier order. Flush is called at every round
// boundary and must make everything appended so far durable.
type Sink interface {
	Append(records []record.Record) error
	Flush() error
}

// Config holds scheduler configuration.
type Config struct {
	// PageSize is the limit requested per page.
	PageSize int

	// Concurrency is the number of slots per round.
	Concurrency int

	// AfterID restricts the pass to identifiers above it (0 = everything).
	AfterID int64

	// StartOffset is the base offset of the first round.
	StartOffset int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:    2000,
		Concurrency: 5,
	}
}

// RoundStats describes one completed round.
type RoundStats struct {
	Round      int
	BaseOffset int
	Pages      int
	Rows       int
	Skipped    int
	Elapsed    time.Duration
	TotalRows  int
	LastID     int64
}

// Stats describes a pass.
type Stats struct {
	Rounds  int
	Pages   int
	Rows    int
	Skipped int
	LastID  int64
	Elapsed time.Duration
}

// RowsPerSecond returns the average write rate of the pass.
func (s Stats) RowsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Elapsed.Seconds()
}

// RoundHook is called after each round has been flushed. A non-nil error
// stops the pass and is returned from Run.
type RoundHook func(RoundStats) error

// Scheduler runs rounds of concurrent page fetches into a sink.
type Scheduler struct {
	fetcher PageFetcher
	sink    Sink
	config  Config
	logger  zerolog.Logger
	onRound RoundHook
}

// NewScheduler creates a scheduler. Non-positive sizes fall back to defaults.
func NewScheduler(fetcher PageFetcher, sink Sink, config Config, logger zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.StartOffset < 0 {
		config.StartOffset = 0
	}
	return &Scheduler{
		fetcher: fetcher,
		sink:    sink,
		config:  config,
		logger:  logger,
	}
}

// OnRound registers a hook run after every flushed round.
func (s *Scheduler) OnRound(hook RoundHook) {
	s.onRound = hook
}

type slotResult struct {
	slot int
	page Page
}

// Run fetches rounds until the source is exhausted, ctx is cancelled, or a
// slot fails. Pages are written in slot order, so segment order matches a
// sequential pass. Everything written before a failure stays flushed.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	stats := Stats{LastID: s.config.AfterID}
	base := s.config.StartOffset

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}

		rs, done, err := s.runRound(ctx, round, base, &stats)
		stats.Elapsed = time.Since(start)
		if err != nil {
			return stats, err
		}

		stats.Rounds++
		roundsTotal.Inc()

		rate := 0.0
		if rs.Elapsed > 0 {
			rate = float64(rs.Rows) / rs.Elapsed.Seconds()
		}
		s.logger.Info().
			Int("round", round).
			Int("base_offset", base).
			Int("rows", rs.Rows).
			Dur("elapsed", rs.Elapsed).
			Float64("rows_per_sec", rate).
			Int("total_rows", stats.Rows).
			Msg("Round complete")

		if s.onRound != nil {
			if err := s.onRound(rs); err != nil {
				return stats, err
			}
		}
		if done {
			return stats, nil
		}
		base += s.config.Concurrency * s.config.PageSize
	}
}

// runRound fetches one round and writes it. done reports that the source
// is exhausted.
func (s *Scheduler) runRound(ctx context.Context, round, base int, stats *Stats) (RoundStats, bool, error) {
	roundStart := time.Now()
	rs := RoundStats{Round: round, BaseOffset: base}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(roundCtx)
	results := make(chan slotResult, s.config.Concurrency)

	for i := 0; i < s.config.Concurrency; i++ {
		slot := i
		cursor := OffsetCursor{
			Offset:  base + slot*s.config.PageSize,
			AfterID: s.config.AfterID,
		}
		g.Go(func() error {
			page, err := s.fetcher.FetchPage(gctx, cursor, s.config.PageSize)
			if err != nil {
				return fmt.Errorf("slot %d (%s): %w", slot, cursor, err)
			}
			results <- slotResult{slot: slot, page: page}
			return nil
		})
	}

	var fetchErr error
	go func() {
		fetchErr = g.Wait()
		close(results)
	}()

	var (
		pending  = make(map[int]Page, s.config.Concurrency)
		next     int
		hasMore  bool
		empty    bool
		writeErr error
	)
	for res := range results {
		if writeErr != nil {
			continue
		}
		pending[res.slot] = res.page

		for {
			page, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++

			hasMore = hasMore || page.HasMore
			empty = empty || page.Empty()
			rs.Pages++
			stats.Pages++

			fresh := s.dropOverlap(page, stats.LastID)
			rs.Skipped += len(page.Records) - len(fresh)
			stats.Skipped += len(page.Records) - len(fresh)
			if len(fresh) == 0 {
				continue
			}
			if err := s.sink.Append(fresh); err != nil {
				writeErr = err
				cancel()
				break
			}
			rs.Rows += len(fresh)
			stats.Rows += len(fresh)
			stats.LastID = fresh[len(fresh)-1].ID
		}
	}

	// Flush whatever reached the sink, even when the round failed.
	flushErr := s.sink.Flush()

	rs.Elapsed = time.Since(roundStart)
	rs.TotalRows = stats.Rows
	rs.LastID = stats.LastID

	switch {
	case writeErr != nil:
		return rs, false, writeErr
	case flushErr != nil:
		return rs, false, flushErr
	case fetchErr != nil:
		if ctx.Err() != nil {
			return rs, false, ctx.Err()
		}
		return rs, false, fetchErr
	}

	// An empty page ends the pass even if another slot came back full.
	return rs, !hasMore || empty, nil
}

// dropOverlap removes records at or below lastID. A row inserted upstream
// below the current window pushes later rows to higher offsets, so the next
// window repeats records already written. Deletes shift rows the other way
// and cause skips, which only the gaps pass can recover.
func (s *Scheduler) dropOverlap(page Page, lastID int64) []record.Record {
	recs := page.Records
	i := 0
	for i < len(recs) && recs[i].ID <= lastID {
		i++
	}
	if i > 0 {
		s.logger.Warn().
			Str("cursor", page.Cursor.String()).
			Int("skipped", i).
			Int64("last_written_id", lastID).
			Msg("Dropping records already written")
	}
	return recs[i:]
}
