package segment

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/harvester/pkg/record"
)

// ErrCorrupt is returned when a segment is damaged beyond a torn last row.
var ErrCorrupt = errors.New("corrupt segment")

// tailChunk is the initial window read from the end of a segment.
const tailChunk = 4096

// Summary is the result of a full scan of one segment.
type Summary struct {
	Path    string
	Header  []string
	Rows    int
	FirstID int64
	LastID  int64

	// Size is the length of the valid prefix: the header plus every
	// complete row.
	Size int64

	// Torn reports bytes after Size, left by an interrupted write.
	Torn bool
}

// Bounds holds the identifier range of one segment.
type Bounds struct {
	Path    string
	Header  []string
	FirstID int64
	LastID  int64
	Empty   bool
}

// Scan reads every row of the segment at path. A trailing partial row is
// reported as Torn, not as an error.
func Scan(path, idField string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, &SinkError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Summary{}, &SinkError{Op: "stat", Path: path, Err: err}
	}
	size := st.Size()
	sum := Summary{Path: path}
	if size == 0 {
		return sum, nil
	}

	endsWithNewline, err := lastByteIs(f, size, '\n')
	if err != nil {
		return Summary{}, &SinkError{Op: "read", Path: path, Err: err}
	}

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil || (r.InputOffset() == size && !endsWithNewline) {
		torn, terr := tornTail(f, 0, size)
		if terr != nil {
			return Summary{}, &SinkError{Op: "read", Path: path, Err: terr}
		}
		if !torn {
			return Summary{}, &SinkError{Op: "scan", Path: path, Err: fmt.Errorf("%w: unreadable header", ErrCorrupt)}
		}
		// Not even a complete header made it to disk.
		sum.Torn = true
		return sum, nil
	}
	sum.Header = append([]string(nil), header...)
	idIdx := indexOf(header, idField)
	if idIdx < 0 {
		return Summary{}, &SinkError{Op: "scan", Path: path, Err: fmt.Errorf("%w: header lacks %q", ErrCorrupt, idField)}
	}

	r.ReuseRecord = true
	var (
		valid    = r.InputOffset()
		prevSize = valid
		prevLast int64
	)
	sum.Size = valid

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var id int64
		if err == nil {
			id, err = record.ParseID(row[idIdx])
		}
		if err != nil {
			torn, terr := tornTail(f, sum.Size, size)
			if terr != nil {
				return Summary{}, &SinkError{Op: "read", Path: path, Err: terr}
			}
			if !torn {
				return Summary{}, &SinkError{Op: "scan", Path: path, Err: fmt.Errorf("%w: row %d: %v", ErrCorrupt, sum.Rows+1, err)}
			}
			sum.Torn = true
			return sum, nil
		}

		if sum.Rows == 0 {
			sum.FirstID = id
		}
		prevSize, prevLast = sum.Size, sum.LastID
		sum.Rows++
		sum.LastID = id
		sum.Size = r.InputOffset()
	}

	if sum.Rows > 0 && sum.Size == size && !endsWithNewline {
		// The final row parsed but its terminator never reached disk.
		sum.Rows--
		sum.Size, sum.LastID = prevSize, prevLast
		if sum.Rows == 0 {
			sum.FirstID = 0
		}
		sum.Torn = true
	}
	return sum, nil
}

// ReadBounds returns the first and last identifier of a segment, reading
// only its head and tail unless the tail cannot be parsed on its own.
func ReadBounds(path, idField string) (Bounds, error) {
	f, err := os.Open(path)
	if err != nil {
		return Bounds{}, &SinkError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	b := Bounds{Path: path}
	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		b.Empty = true
		return b, nil
	}
	if err != nil {
		return scanBounds(path, idField)
	}
	b.Header = header
	idIdx := indexOf(header, idField)
	if idIdx < 0 {
		return Bounds{}, &SinkError{Op: "bounds", Path: path, Err: fmt.Errorf("%w: header lacks %q", ErrCorrupt, idField)}
	}

	first, err := r.Read()
	if errors.Is(err, io.EOF) {
		b.Empty = true
		return b, nil
	}
	if err != nil {
		return scanBounds(path, idField)
	}
	if b.FirstID, err = record.ParseID(first[idIdx]); err != nil {
		return scanBounds(path, idField)
	}

	last, ok, err := tailRow(f, len(header))
	if err != nil {
		return Bounds{}, &SinkError{Op: "read", Path: path, Err: err}
	}
	if !ok {
		return scanBounds(path, idField)
	}
	if b.LastID, err = record.ParseID(last[idIdx]); err != nil {
		return scanBounds(path, idField)
	}
	return b, nil
}

func scanBounds(path, idField string) (Bounds, error) {
	sum, err := Scan(path, idField)
	if err != nil {
		return Bounds{}, err
	}
	return Bounds{
		Path:    path,
		Header:  sum.Header,
		FirstID: sum.FirstID,
		LastID:  sum.LastID,
		Empty:   sum.Rows == 0,
	}, nil
}

// tailRow parses the last line of f. ok is false when that line is not a
// complete row with the expected field count, e.g. a torn write or a
// quoted field spanning lines.
func tailRow(f *os.File, fields int) ([]string, bool, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	size := st.Size()

	for chunk := int64(tailChunk); ; chunk *= 2 {
		off := max(size-chunk, 0)
		buf := make([]byte, size-off)
		if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		if len(buf) == 0 || buf[len(buf)-1] != '\n' {
			return nil, false, nil
		}

		buf = bytes.TrimRight(buf, "\r\n")
		idx := bytes.LastIndexByte(buf, '\n')
		if idx < 0 {
			if off == 0 {
				return nil, false, nil
			}
			continue
		}

		row, err := csv.NewReader(bytes.NewReader(buf[idx+1:])).Read()
		if err != nil || len(row) != fields {
			return nil, false, nil
		}
		return row, true, nil
	}
}

// tornTail reports whether the bytes after valid form at most one partial
// line.
func tornTail(f *os.File, valid, size int64) (bool, error) {
	rest := make([]byte, size-valid)
	if _, err := f.ReadAt(rest, valid); err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	rest = bytes.TrimRight(rest, "\n")
	return bytes.IndexByte(rest, '\n') < 0, nil
}

func lastByteIs(f *os.File, size int64, c byte) (bool, error) {
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, size-1); err != nil {
		return false, err
	}
	return b[0] == c, nil
}

func indexOf(fields []string, name string) int {
	for i, f := range fields {
		if f == name {
			return i
		}
	}
	return -1
}
