// Package harvest runs one resumable extraction pass from the source into
// segments: connection test, concurrent rounds, and a clean shutdown that
// keeps everything written so far.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/harvester/pkg/archive"
	"github.com/Sternrassler/harvester/pkg/pagination"
	"github.com/Sternrassler/harvester/pkg/progress"
	"github.com/Sternrassler/harvester/pkg/segment"
	"github.com/rs/zerolog"
)

// ErrConnectionTest wraps a failure of the initial probe request. Nothing
// has been written when it is returned.
var ErrConnectionTest = errors.New("connection test failed")

// State is a stage of a harvesting pass.
type State string

const (
	StateInit              State = "INIT"
	StateTestingConnection State = "TESTING_CONNECTION"
	StateFetchingRound     State = "FETCHING_ROUND"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Config holds pass configuration.
type Config struct {
	PageSize    int
	Concurrency int

	// StartAfterID skips identifiers at or below it.
	StartAfterID int64

	Segment segment.Config
}

// Summary reports the outcome of a pass.
type Summary struct {
	State    State
	Rows     int
	Rounds   int
	Pages    int
	Skipped  int
	Segments int
	Position segment.Position

	// AfterID is the identifier floor the pass resumed from.
	AfterID int64
	LastID  int64
	Elapsed time.Duration
}

// RowsPerSecond returns the average write rate.
func (s Summary) RowsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Elapsed.Seconds()
}

// Option customises a Harvester.
type Option func(*Harvester)

// WithArchiver uploads every closed segment.
func WithArchiver(a *archive.Archiver) Option {
	return func(h *Harvester) { h.archiver = a }
}

// WithProgress publishes the pass state under key after every round.
// Publishing failures are logged and never stop the pass.
func WithProgress(store *progress.Store, key progress.Key) Option {
	return func(h *Harvester) {
		h.progress = store
		h.progressKey = key
	}
}

// WithRoundHook runs hook after each flushed round.
func WithRoundHook(hook pagination.RoundHook) Option {
	return func(h *Harvester) { h.onRound = hook }
}

// Harvester drives a pass.
type Harvester struct {
	fetcher  pagination.PageFetcher
	config   Config
	logger   zerolog.Logger
	archiver *archive.Archiver
	onRound  pagination.RoundHook

	progress    *progress.Store
	progressKey progress.Key
	entry       progress.Entry

	mu    sync.Mutex
	state State
}

// New creates a harvester.
func New(fetcher pagination.PageFetcher, config Config, logger zerolog.Logger, opts ...Option) *Harvester {
	h := &Harvester{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
		state:   StateInit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current stage.
func (h *Harvester) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Harvester) setState(s State) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()
	if prev != s {
		h.logger.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("Pass state changed")
	}
}

// Run executes the pass. On any error, including cancellation, the current
// segment is flushed and closed before Run returns, so a later pass can
// resume from what is on disk.
func (h *Harvester) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{State: StateInit}

	h.entry = progress.Entry{State: string(StateInit), StartedAt: start}

	fail := func(err error) (Summary, error) {
		h.setState(StateFailed)
		sum.State = StateFailed
		sum.Elapsed = time.Since(start)
		h.entry.Error = err.Error()
		h.publish(sum)
		return sum, err
	}

	h.logger.Info().
		Int64("start_after_id", h.config.StartAfterID).
		Int("page_size", h.config.PageSize).
		Int("concurrency", h.config.Concurrency).
		Int("rows_per_segment", h.config.Segment.RowsPerSegment).
		Str("dir", h.config.Segment.Layout.Dir).
		Str("base", h.config.Segment.Layout.Base).
		Msg("Starting harvest")

	h.setState(StateTestingConnection)
	if err := h.testConnection(ctx); err != nil {
		h.logger.Error().Err(err).Msg("Connection test failed")
		return fail(fmt.Errorf("%w: %w", ErrConnectionTest, err))
	}

	w, err := segment.Open(h.config.Segment, h.logger.With().Str("component", "segment-writer").Logger())
	if err != nil {
		return fail(err)
	}
	if h.archiver != nil {
		w.OnClose(func(c segment.Closed) { h.archiver.Enqueue(c.Path) })
	}

	sum.AfterID = max(h.config.StartAfterID, w.LastID())
	if sum.AfterID > h.config.StartAfterID {
		h.logger.Info().
			Int64("after_id", sum.AfterID).
			Int("segment", w.Position().Segment).
			Int("rows_in_segment", w.Position().Rows).
			Msg("Resuming after last persisted identifier")
	}

	sched := pagination.NewScheduler(h.fetcher, w, pagination.Config{
		PageSize:    h.config.PageSize,
		Concurrency: h.config.Concurrency,
		AfterID:     sum.AfterID,
	}, h.logger)
	sched.OnRound(func(rs pagination.RoundStats) error {
		h.entry.Round = rs.Round
		h.publish(Summary{
			State:    StateFetchingRound,
			Rows:     rs.TotalRows,
			AfterID:  sum.AfterID,
			LastID:   rs.LastID,
			Position: w.Position(),
		})
		if h.onRound != nil {
			return h.onRound(rs)
		}
		return nil
	})

	h.setState(StateFetchingRound)
	h.publish(Summary{State: StateFetchingRound, AfterID: sum.AfterID, LastID: sum.AfterID, Position: w.Position()})
	stats, runErr := sched.Run(ctx)
	closeErr := w.Close()

	sum.Rows = stats.Rows
	sum.Rounds = stats.Rounds
	sum.Pages = stats.Pages
	sum.Skipped = stats.Skipped
	sum.LastID = stats.LastID
	sum.Segments = w.Touched()
	sum.Position = w.Position()

	if runErr != nil {
		sum.Elapsed = time.Since(start)
		if ctx.Err() != nil {
			h.logger.Warn().
				Int("rows", sum.Rows).
				Int("segments", sum.Segments).
				Dur("elapsed", sum.Elapsed).
				Float64("rows_per_sec", sum.RowsPerSecond()).
				Msg("Interrupted, partial data saved")
		} else {
			h.logger.Error().
				Err(runErr).
				Int("rows", sum.Rows).
				Int("segments", sum.Segments).
				Dur("elapsed", sum.Elapsed).
				Float64("rows_per_sec", sum.RowsPerSecond()).
				Msg("Harvest failed, partial data saved")
		}
		return fail(errors.Join(runErr, closeErr))
	}
	if closeErr != nil {
		return fail(closeErr)
	}

	h.setState(StateDone)
	sum.State = StateDone
	sum.Elapsed = time.Since(start)
	h.publish(sum)

	h.logger.Info().
		Int("rows", sum.Rows).
		Int("segments", sum.Segments).
		Int("rounds", sum.Rounds).
		Dur("elapsed", sum.Elapsed).
		Float64("rows_per_sec", sum.RowsPerSecond()).
		Msg("Harvest complete")

	return sum, nil
}

// publish mirrors sum into the progress store.
func (h *Harvester) publish(sum Summary) {
	if h.progress == nil {
		return
	}
	h.entry.State = string(sum.State)
	h.entry.Rows = sum.Rows
	h.entry.AfterID = sum.AfterID
	h.entry.LastID = sum.LastID
	h.entry.Segment = sum.Position.Segment
	h.entry.RowsInSegment = sum.Position.Rows

	// The pass context may already be cancelled; a final state still
	// gets published.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.progress.Set(ctx, h.progressKey, &h.entry); err != nil {
		h.logger.Warn().Err(err).Str("key", h.progressKey.String()).Msg("Failed to publish progress")
	}
}

// testConnection issues a single one-row request.
func (h *Harvester) testConnection(ctx context.Context) error {
	page, err := h.fetcher.FetchPage(ctx, pagination.OffsetCursor{Offset: 0}, 1)
	if err != nil {
		return err
	}
	h.logger.Info().Int("records", len(page.Records)).Msg("Connection test successful")
	return nil
}
