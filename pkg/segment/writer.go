package segment

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Sternrassler/harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	rowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_rows_written_total",
		Help: "Total rows appended to segments",
	})

	segmentsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_segments_closed_total",
		Help: "Total segments closed",
	})
)

// ErrOutOfOrder is returned when an append would break identifier order.
var ErrOutOfOrder = errors.New("identifier out of order")

// ErrClosed is returned by operations on a closed writer.
var ErrClosed = errors.New("segment writer closed")

// Config holds writer configuration.
type Config struct {
	Layout Layout

	// RowsPerSegment is the capacity of one segment.
	RowsPerSegment int

	// IDField names the identifier column, used when resuming.
	IDField string
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{
		Layout:         Layout{Dir: ".", Base: "addresses", Ext: "csv"},
		RowsPerSegment: 500000,
		IDField:        "id",
	}
}

// Position locates the write head.
type Position struct {
	Segment int
	Rows    int
}

// Closed describes a segment that was finalized.
type Closed struct {
	Number int
	Path   string
	Rows   int
	LastID int64

	// Full is false for the last segment of a pass, which may be resumed.
	Full bool
}

// Writer appends records to rotating segments. It is safe for concurrent
// use; all appends are serialized.
type Writer struct {
	mu     sync.Mutex
	config Config
	logger zerolog.Logger

	header []string
	number int
	rows   int
	lastID int64
	seen   bool

	file *os.File
	buf  *bufio.Writer
	csv  *csv.Writer

	written int
	touched int
	onClose []func(Closed)
	closed  bool
}

// Open prepares a writer over the dataset described by config. When
// segments already exist the highest one is reopened if it is below
// capacity, after truncating a torn trailing row; otherwise writing
// continues in a fresh segment with the established header.
func Open(config Config, logger zerolog.Logger) (*Writer, error) {
	def := DefaultConfig()
	if config.RowsPerSegment <= 0 {
		config.RowsPerSegment = def.RowsPerSegment
	}
	if config.IDField == "" {
		config.IDField = def.IDField
	}
	if config.Layout.Base == "" {
		config.Layout.Base = def.Layout.Base
	}

	if err := os.MkdirAll(config.Layout.dir(), 0o755); err != nil {
		return nil, &SinkError{Op: "mkdir", Path: config.Layout.dir(), Err: err}
	}

	w := &Writer{
		config: config,
		logger: logger,
		number: 1,
	}

	segments, err := config.Layout.List()
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return w, nil
	}

	if err := w.resume(segments); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) resume(segments []Info) error {
	last := segments[len(segments)-1]

	sum, err := Scan(last.Path, w.config.IDField)
	if err != nil {
		return err
	}
	if sum.Torn {
		w.logger.Warn().
			Str("path", last.Path).
			Int64("valid_bytes", sum.Size).
			Int("rows", sum.Rows).
			Msg("Truncating torn trailing row")
		if err := os.Truncate(last.Path, sum.Size); err != nil {
			return &SinkError{Op: "truncate", Path: last.Path, Err: err}
		}
	}

	w.header = sum.Header
	w.lastID = sum.LastID
	w.seen = sum.Rows > 0
	for i := len(segments) - 2; i >= 0 && !w.seen; i-- {
		b, err := ReadBounds(segments[i].Path, w.config.IDField)
		if err != nil {
			return err
		}
		if !b.Empty {
			w.lastID = b.LastID
			w.seen = true
		}
		if w.header == nil {
			w.header = b.Header
		}
	}

	if sum.Rows >= w.config.RowsPerSegment {
		w.number = last.Number + 1
		w.logger.Info().
			Int("segment", last.Number).
			Int("rows", sum.Rows).
			Int("next_segment", w.number).
			Msg("Last segment is full, starting a new one")
		return nil
	}

	w.number = last.Number
	w.rows = sum.Rows
	if sum.Header == nil {
		// Nothing usable on disk; the first append rewrites the segment.
		return nil
	}

	f, err := os.OpenFile(last.Path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return &SinkError{Op: "open", Path: last.Path, Err: err}
	}
	w.attach(f)
	w.touched++

	w.logger.Info().
		Int("segment", w.number).
		Int("rows", w.rows).
		Int("remaining", w.config.RowsPerSegment-w.rows).
		Int64("last_id", w.lastID).
		Msg("Continuing existing segment")
	return nil
}

// Append writes records, rotating segments as capacity is reached. Records
// must continue the identifier order of everything already written.
func (w *Writer) Append(records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	prev := w.lastID
	for i, rec := range records {
		if (i > 0 || w.seen) && rec.ID <= prev {
			return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, rec.ID, prev)
		}
		prev = rec.ID
	}

	if w.header == nil {
		w.header = records[0].Fields()
		w.logger.Info().Strs("header", w.header).Msg("Segment header established")
	}

	for len(records) > 0 {
		if w.rows >= w.config.RowsPerSegment {
			if err := w.rotate(); err != nil {
				return err
			}
		}
		if w.file == nil {
			if err := w.create(); err != nil {
				return err
			}
		}

		n := min(w.config.RowsPerSegment-w.rows, len(records))
		for _, rec := range records[:n] {
			if err := w.csv.Write(rec.Row(w.header)); err != nil {
				return &SinkError{Op: "write", Path: w.path(), Err: err}
			}
		}
		w.rows += n
		w.written += n
		w.lastID = records[n-1].ID
		w.seen = true
		rowsWrittenTotal.Add(float64(n))
		records = records[n:]
	}
	return nil
}

// Position returns the current segment number and its row count.
func (w *Writer) Position() Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Position{Segment: w.number, Rows: w.rows}
}

// LastID returns the highest identifier persisted or appended, or 0.
func (w *Writer) LastID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastID
}

// Header returns the established field order, nil before the first append
// to an empty dataset.
func (w *Writer) Header() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.header...)
}

// Written returns the rows appended by this writer.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Touched returns the number of segments this writer opened.
func (w *Writer) Touched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.touched
}

// OnClose registers fn to run after each segment is finalized, including
// the last one on Close. fn runs with the writer lock held and must not
// call back into the writer.
func (w *Writer) OnClose(fn func(Closed)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = append(w.onClose, fn)
}

// Flush writes buffered rows and syncs the segment to stable storage.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flush()
}

// Close flushes and closes the current segment. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.finish(false)
}

func (w *Writer) path() string {
	return w.config.Layout.Path(w.number)
}

func (w *Writer) create() error {
	path := w.path()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &SinkError{Op: "create", Path: path, Err: err}
	}
	w.attach(f)
	w.rows = 0
	w.touched++

	if err := w.csv.Write(w.header); err != nil {
		return &SinkError{Op: "write", Path: path, Err: err}
	}

	w.logger.Info().
		Int("segment", w.number).
		Str("path", path).
		Msg("Starting new segment")
	return nil
}

func (w *Writer) attach(f *os.File) {
	w.file = f
	w.buf = bufio.NewWriterSize(f, 256*1024)
	w.csv = csv.NewWriter(w.buf)
}

func (w *Writer) rotate() error {
	if err := w.finish(true); err != nil {
		return err
	}
	w.number++
	w.rows = 0
	return nil
}

// finish flushes, syncs, and closes the open segment.
func (w *Writer) finish(full bool) error {
	if w.file == nil {
		return nil
	}
	path := w.path()
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return &SinkError{Op: "close", Path: path, Err: err}
	}
	w.file, w.buf, w.csv = nil, nil, nil
	segmentsClosedTotal.Inc()

	closed := Closed{
		Number: w.number,
		Path:   path,
		Rows:   w.rows,
		LastID: w.lastID,
		Full:   full || w.rows >= w.config.RowsPerSegment,
	}
	w.logger.Info().
		Int("segment", closed.Number).
		Int("rows", closed.Rows).
		Bool("full", closed.Full).
		Msg("Closed segment")
	for _, fn := range w.onClose {
		fn(closed)
	}
	return nil
}

func (w *Writer) flush() error {
	if w.file == nil {
		return nil
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return &SinkError{Op: "flush", Path: w.path(), Err: err}
	}
	if err := w.buf.Flush(); err != nil {
		return &SinkError{Op: "flush", Path: w.path(), Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &SinkError{Op: "sync", Path: w.path(), Err: err}
	}
	return nil
}
