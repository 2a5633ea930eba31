package gaps

import (
	"bufio"
	"encoding/csv"
	"os"
	"path/filepath"

	"github.com/Sternrassler/harvester/pkg/record"
	"github.com/Sternrassler/harvester/pkg/segment"
)

// reportFile holds the rows recovered so far and replaces the report on
// disk with all of them on every commit. The previous report stays in
// place until the first commit of a run.
type reportFile struct {
	path   string
	header []string
	rows   [][]string
	seen   map[int64]struct{}
}

func newReport(path string) (*reportFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &segment.SinkError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	return &reportFile{
		path: path,
		seen: make(map[int64]struct{}),
	}, nil
}

// add records the records not seen before and returns how many were new.
// The header comes from the first repaired range.
func (f *reportFile) add(records []record.Record) int {
	if f.header == nil {
		f.header = records[0].Fields()
	}

	n := 0
	for _, rec := range records {
		if _, dup := f.seen[rec.ID]; dup {
			continue
		}
		f.seen[rec.ID] = struct{}{}
		f.rows = append(f.rows, rec.Row(f.header))
		n++
	}
	return n
}

// commit writes every row held so far to a temporary file and renames it
// over the report.
func (f *reportFile) commit() (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return f.fail("create", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriter(tmp)
	w := csv.NewWriter(buf)
	if f.header != nil {
		if err := w.Write(f.header); err != nil {
			return f.fail("write", err)
		}
		if err := w.WriteAll(f.rows); err != nil {
			return f.fail("write", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return f.fail("flush", err)
	}
	if err := buf.Flush(); err != nil {
		return f.fail("flush", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return f.fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		return f.fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return f.fail("close", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return f.fail("rename", err)
	}
	return nil
}

func (f *reportFile) fail(op string, err error) error {
	return &segment.SinkError{Op: op, Path: f.path, Err: err}
}
