// Package gaps finds identifier holes between persisted segments and
// backfills them from the source by identifier range.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sternrassler/harvester/pkg/pagination"
	"github.com/Sternrassler/harvester/pkg/record"
	"github.com/Sternrassler/harvester/pkg/segment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	gapRangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_gap_ranges_total",
		Help: "Total gap ranges processed by outcome (recovered, empty, failed)",
	}, []string{"outcome"})

	gapRecordsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_gap_records_recovered_total",
		Help: "Total records recovered from gap ranges",
	})
)

// ErrRangesFailed is returned by Reconcile when at least one range could
// not be repaired. The report still holds every other range.
var ErrRangesFailed = errors.New("gap ranges failed")

// Range is an inclusive identifier interval missing between two segments.
type Range struct {
	Start int64
	End   int64
}

// Size returns the number of identifiers the range spans.
func (r Range) Size() int64 {
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Outcome classifies a repaired range.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	// OutcomeEmpty means the source returned nothing, most likely because
	// the identifiers were deleted upstream.
	OutcomeEmpty  Outcome = "empty"
	OutcomeFailed Outcome = "failed"
)

// Result is the repair result of one range.
type Result struct {
	Range     Range
	Outcome   Outcome
	Recovered int
	Err       error
}

// Report summarizes a reconciliation pass.
type Report struct {
	Path      string
	Gaps      []Range
	Results   []Result
	Recovered int
	Elapsed   time.Duration
}

// Count returns the number of results with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Config holds reconciler configuration.
type Config struct {
	Layout segment.Layout

	// IDField names the identifier column.
	IDField string

	// PageSize is the limit of each range request.
	PageSize int

	// ReportPath is where recovered records are written.
	// Defaults to <dir>/<base>_gaps.<ext>.
	ReportPath string
}

// Reconciler detects and repairs gaps.
type Reconciler struct {
	fetcher pagination.PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(fetcher pagination.PageFetcher, config Config, logger zerolog.Logger) *Reconciler {
	if config.IDField == "" {
		config.IDField = "id"
	}
	if config.PageSize <= 0 {
		config.PageSize = 2000
	}
	if config.Layout.Ext == "" {
		config.Layout.Ext = "csv"
	}
	if config.ReportPath == "" {
		dir := config.Layout.Dir
		if dir == "" {
			dir = "."
		}
		config.ReportPath = filepath.Join(dir, config.Layout.Base+"_gaps."+config.Layout.Ext)
	}
	return &Reconciler{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// ReportPath returns the gap report location.
func (r *Reconciler) ReportPath() string {
	return r.config.ReportPath
}

// FindGaps compares the last identifier of each segment with the first
// identifier of the next one. Only the head and tail of each segment are
// read. Holes before the first or after the last segment are not visible.
func (r *Reconciler) FindGaps() ([]Range, error) {
	segments, err := r.config.Layout.List()
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		r.logger.Warn().Msg("No segments found")
		return nil, nil
	}

	var (
		gaps    []Range
		prev    segment.Bounds
		hasPrev bool
	)
	for _, seg := range segments {
		b, err := segment.ReadBounds(seg.Path, r.config.IDField)
		if err != nil {
			return nil, err
		}
		if b.Empty {
			continue
		}

		if hasPrev {
			switch {
			case b.FirstID > prev.LastID+1:
				gap := Range{Start: prev.LastID + 1, End: b.FirstID - 1}
				gaps = append(gaps, gap)
				r.logger.Info().
					Int64("start_id", gap.Start).
					Int64("end_id", gap.End).
					Int64("size", gap.Size()).
					Msg("Gap found")
			case b.FirstID <= prev.LastID:
				r.logger.Warn().
					Str("path", seg.Path).
					Int64("first_id", b.FirstID).
					Int64("previous_last_id", prev.LastID).
					Msg("Segment overlaps its predecessor")
			}
		}
		prev, hasPrev = b, true
	}

	return gaps, nil
}

// Repair fetches every record with an identifier inside rng. The lower
// bound advances past the last fetched identifier after each page. A range
// the source has nothing for yields no records and no error.
func (r *Reconciler) Repair(ctx context.Context, rng Range) ([]record.Record, error) {
	var recovered []record.Record

	lower := rng.Start
	for lower <= rng.End {
		page, err := r.fetcher.FetchPage(ctx, pagination.RangeCursor{From: lower, To: rng.End}, r.config.PageSize)
		if err != nil {
			return recovered, fmt.Errorf("repair %s at %d: %w", rng, lower, err)
		}
		if page.Empty() {
			break
		}
		recovered = append(recovered, page.Records...)
		lower = page.LastID() + 1
		if !page.HasMore {
			break
		}
	}
	return recovered, nil
}

// Reconcile finds every gap, repairs it, and rebuilds the gap report. A
// failing range is logged and skipped; ErrRangesFailed is returned after
// the remaining ranges are processed. The report is replaced atomically
// after each recovered range and once more at the end, so a cancelled run
// keeps what it recovered and a full run yields the same report for the
// same source.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{Path: r.config.ReportPath}

	gaps, err := r.FindGaps()
	if err != nil {
		return report, err
	}
	report.Gaps = gaps

	var total int64
	for _, g := range gaps {
		total += g.Size()
	}
	r.logger.Info().
		Int("gaps", len(gaps)).
		Int64("potential_ids", total).
		Msg("Scanned segments for gaps")

	out, err := newReport(r.config.ReportPath)
	if err != nil {
		return report, err
	}

	for i, g := range gaps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		r.logger.Info().
			Int("gap", i+1).
			Int("gaps", len(gaps)).
			Int64("start_id", g.Start).
			Int64("end_id", g.End).
			Msg("Fetching gap")

		res := Result{Range: g}
		records, err := r.Repair(ctx, g)
		switch {
		case err != nil && ctx.Err() != nil:
			return report, ctx.Err()
		case err != nil:
			res.Outcome = OutcomeFailed
			res.Err = err
			r.logger.Error().Err(err).Str("range", g.String()).Msg("Failed to fetch gap")
		case len(records) == 0:
			res.Outcome = OutcomeEmpty
			r.logger.Warn().Str("range", g.String()).Msg("No records found in range, identifiers likely deleted upstream")
		default:
			n := out.add(records)
			if err := out.commit(); err != nil {
				return report, err
			}
			res.Outcome = OutcomeRecovered
			res.Recovered = n
			report.Recovered += n
			gapRecordsRecoveredTotal.Add(float64(n))
			r.logger.Info().Str("range", g.String()).Int("recovered", n).Msg("Recovered records")
		}

		gapRangesTotal.WithLabelValues(string(res.Outcome)).Inc()
		report.Results = append(report.Results, res)
	}

	if err := out.commit(); err != nil {
		return report, err
	}
	report.Elapsed = time.Since(start)

	r.logger.Info().
		Int("recovered", report.Recovered).
		Int("empty", report.Count(OutcomeEmpty)).
		Int("failed", report.Count(OutcomeFailed)).
		Str("report", report.Path).
		Dur("elapsed", report.Elapsed).
		Msg("Gap recovery complete")

	if failed := report.Count(OutcomeFailed); failed > 0 {
		return report, fmt.Errorf("%w: %d of %d", ErrRangesFailed, failed, len(gaps))
	}
	return report, nil
}
