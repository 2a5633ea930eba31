package gaps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Sternrassler/harvester/pkg/pagination"
	"github.com/Sternrassler/harvester/pkg/record"
	"github.com/Sternrassler/harvester/pkg/segment"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeSource answers range cursors from a sorted identifier set.
type rangeSource struct {
	mu      sync.Mutex
	ids     []int64
	fail    map[int64]error
	cursors []pagination.RangeCursor
}

func (s *rangeSource) FetchPage(ctx context.Context, cursor pagination.Cursor, limit int) (pagination.Page, error) {
	rc, ok := cursor.(pagination.RangeCursor)
	if !ok {
		return pagination.Page{}, errors.New("range cursor expected")
	}

	s.mu.Lock()
	s.cursors = append(s.cursors, rc)
	s.mu.Unlock()

	for from, err := range s.fail {
		if rc.From <= from && from <= rc.To {
			return pagination.Page{}, err
		}
	}

	var recs []record.Record
	for _, id := range s.ids {
		if rc.Contains(id) && len(recs) < limit {
			recs = append(recs, addr(id))
		}
	}
	return pagination.Page{Cursor: cursor, Records: recs, HasMore: len(recs) == limit}, nil
}

func addr(id int64) record.Record {
	s := strconv.FormatInt(id, 10)
	return record.New(id, []string{"id", "street"}, []string{s, "street " + s})
}

func ids(from, to int64) []int64 {
	var out []int64
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

// writeSegments persists each batch as the next numbered segment.
func writeSegments(t *testing.T, layout segment.Layout, batches ...[]int64) {
	t.Helper()
	existing, err := layout.List()
	require.NoError(t, err)
	next := len(existing) + 1

	for _, batch := range batches {
		var b strings.Builder
		b.WriteString("id,street\n")
		for _, id := range batch {
			fmt.Fprintf(&b, "%d,street %d\n", id, id)
		}
		require.NoError(t, os.WriteFile(layout.Path(next), []byte(b.String()), 0o644))
		next++
	}
}

func newReconciler(t *testing.T, source pagination.PageFetcher, pageSize int) (*Reconciler, segment.Layout) {
	t.Helper()
	layout := segment.Layout{Dir: t.TempDir(), Base: "addresses", Ext: "csv"}
	return NewReconciler(source, Config{Layout: layout, IDField: "id", PageSize: pageSize}, zerolog.Nop()), layout
}

func TestFindGaps_RemovedRange(t *testing.T) {
	r, layout := newReconciler(t, &rangeSource{}, 100)
	writeSegments(t, layout, ids(1, 99), ids(151, 249), ids(250, 300))

	gaps, err := r.FindGaps()
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 100, End: 150}}, gaps)
}

func TestFindGaps_MultipleAndNone(t *testing.T) {
	r, layout := newReconciler(t, &rangeSource{}, 100)
	writeSegments(t, layout, ids(1, 10), ids(12, 20), ids(21, 30), ids(40, 45))

	gaps, err := r.FindGaps()
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 11, End: 11}, {Start: 31, End: 39}}, gaps)
	assert.Equal(t, int64(9), gaps[1].Size())
}

func TestFindGaps_NoSegments(t *testing.T) {
	r, _ := newReconciler(t, &rangeSource{}, 100)
	gaps, err := r.FindGaps()
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestFindGaps_SkipsEmptySegments(t *testing.T) {
	r, layout := newReconciler(t, &rangeSource{}, 100)
	writeSegments(t, layout, ids(1, 10))
	require.NoError(t, os.WriteFile(layout.Path(2), []byte("id,street\n"), 0o644))
	writeSegments(t, layout, ids(20, 30))

	gaps, err := r.FindGaps()
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 11, End: 19}}, gaps)
}

func TestRepair_PagesByIdentifierCursor(t *testing.T) {
	source := &rangeSource{ids: append(ids(100, 104), ids(110, 150)...)}
	r, _ := newReconciler(t, source, 10)

	got, err := r.Repair(context.Background(), Range{Start: 100, End: 150})
	require.NoError(t, err)
	assert.Len(t, got, 46)

	// Lower bound advances to last fetched id + 1, never by offset.
	require.GreaterOrEqual(t, len(source.cursors), 2)
	assert.Equal(t, pagination.RangeCursor{From: 100, To: 150}, source.cursors[0])
	assert.Equal(t, pagination.RangeCursor{From: 115, To: 150}, source.cursors[1])
	for _, c := range source.cursors {
		assert.Equal(t, int64(150), c.To)
	}
}

func TestRepair_EmptyRangeIsNotAnError(t *testing.T) {
	source := &rangeSource{ids: ids(1, 99)}
	r, _ := newReconciler(t, source, 10)

	got, err := r.Repair(context.Background(), Range{Start: 100, End: 150})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, source.cursors, 1)
}

func TestRepair_StopsAtUpperBound(t *testing.T) {
	source := &rangeSource{ids: ids(1, 1000)}
	r, _ := newReconciler(t, source, 10)

	got, err := r.Repair(context.Background(), Range{Start: 11, End: 30})
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.Equal(t, int64(30), got[len(got)-1].ID)
	// Two full pages exhaust the range; no third request is made.
	assert.Len(t, source.cursors, 2)
}

func TestReconcile_WritesReportAndIsIdempotent(t *testing.T) {
	source := &rangeSource{ids: append(ids(1, 300), ids(400, 420)...)}
	r, layout := newReconciler(t, source, 7)
	writeSegments(t, layout, ids(1, 49), ids(120, 300), ids(401, 420))

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 50, End: 119}, {Start: 301, End: 400}}, report.Gaps)
	assert.Equal(t, 71, report.Recovered)
	assert.Equal(t, 2, report.Count(OutcomeRecovered))

	first, err := os.ReadFile(report.Path)
	require.NoError(t, err)

	again, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Recovered, again.Recovered)

	second, err := os.ReadFile(report.Path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	sum, err := segment.Scan(report.Path, "id")
	require.NoError(t, err)
	assert.Equal(t, 71, sum.Rows)
	assert.Equal(t, int64(50), sum.FirstID)
	assert.Equal(t, int64(400), sum.LastID)
}

func TestReconcile_EmptyRangeYieldsEmptyReport(t *testing.T) {
	source := &rangeSource{ids: append(ids(1, 4000), ids(4501, 10000)...)}
	r, layout := newReconciler(t, source, 2000)
	writeSegments(t, layout, ids(1, 4000), ids(4501, 8500), ids(8501, 10000))

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 4001, End: 4500}}, report.Gaps)
	assert.Equal(t, 0, report.Recovered)
	assert.Equal(t, 1, report.Count(OutcomeEmpty))

	data, err := os.ReadFile(report.Path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReconcile_ContinuesPastFailedRange(t *testing.T) {
	boom := errors.New("retry attempts exhausted")
	source := &rangeSource{
		ids:  ids(1, 100),
		fail: map[int64]error{15: boom},
	}
	r, layout := newReconciler(t, source, 50)
	writeSegments(t, layout, ids(1, 9), ids(20, 29), ids(40, 50))

	report, err := r.Reconcile(context.Background())
	require.ErrorIs(t, err, ErrRangesFailed)
	require.Len(t, report.Results, 2)
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, boom)
	assert.Equal(t, OutcomeRecovered, report.Results[1].Outcome)
	assert.Equal(t, 10, report.Recovered)

	sum, err := segment.Scan(report.Path, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(30), sum.FirstID)
}

func TestReconcile_CancelledLeavesPreviousReport(t *testing.T) {
	source := &rangeSource{ids: ids(1, 100)}
	r, layout := newReconciler(t, source, 50)
	writeSegments(t, layout, ids(1, 9), ids(20, 29))
	require.NoError(t, os.WriteFile(r.ReportPath(), []byte("previous"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reconcile(ctx)
	require.ErrorIs(t, err, context.Canceled)

	data, err := os.ReadFile(r.ReportPath())
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))

	entries, err := os.ReadDir(layout.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

// cancellingSource cancels the run once it has answered n requests.
type cancellingSource struct {
	pagination.PageFetcher
	n      int
	cancel context.CancelFunc
}

func (s *cancellingSource) FetchPage(ctx context.Context, cursor pagination.Cursor, limit int) (pagination.Page, error) {
	page, err := s.PageFetcher.FetchPage(ctx, cursor, limit)
	if s.n--; s.n == 0 {
		s.cancel()
	}
	return page, err
}

func TestReconcile_CancelledKeepsRecoveredRanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &cancellingSource{PageFetcher: &rangeSource{ids: ids(1, 100)}, n: 1, cancel: cancel}
	r, layout := newReconciler(t, source, 50)
	writeSegments(t, layout, ids(1, 9), ids(20, 29), ids(40, 50))
	require.NoError(t, os.WriteFile(r.ReportPath(), []byte("previous"), 0o644))

	report, err := r.Reconcile(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Results, 1)
	assert.Equal(t, 10, report.Recovered)

	sum, err := segment.Scan(r.ReportPath(), "id")
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Rows)
	assert.Equal(t, int64(10), sum.FirstID)
	assert.Equal(t, int64(19), sum.LastID)

	entries, err := os.ReadDir(layout.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	// A full run afterwards rebuilds the report with both ranges.
	source.n = -1
	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, report.Recovered)

	sum, err = segment.Scan(r.ReportPath(), "id")
	require.NoError(t, err)
	assert.Equal(t, 20, sum.Rows)
	assert.Equal(t, int64(39), sum.LastID)
}
