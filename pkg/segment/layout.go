// Package segment persists records into numbered, size-bounded CSV files
// and reads their bounds back for resume and gap detection.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Layout names the segment files of one dataset:
// <Dir>/<Base>_part_<NNN>.<Ext>.
type Layout struct {
	Dir  string
	Base string
	Ext  string
}

// Info identifies one segment file on disk.
type Info struct {
	Number int
	Path   string
}

// Path returns the file path of segment n.
func (l Layout) Path(n int) string {
	return filepath.Join(l.dir(), fmt.Sprintf("%s_part_%03d.%s", l.Base, n, l.ext()))
}

// List returns the existing segments ordered by number. A missing
// directory yields no segments.
func (l Layout) List() ([]Info, error) {
	entries, err := os.ReadDir(l.dir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &SinkError{Op: "list", Path: l.dir(), Err: err}
	}

	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(l.Base) + `_part_(\d{3,})\.` + regexp.QuoteMeta(l.ext()) + "$")

	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		infos = append(infos, Info{Number: n, Path: filepath.Join(l.dir(), e.Name())})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Number < infos[j].Number })
	return infos, nil
}

func (l Layout) dir() string {
	if l.Dir == "" {
		return "."
	}
	return l.Dir
}

func (l Layout) ext() string {
	if l.Ext == "" {
		return "csv"
	}
	return l.Ext
}

// SinkError is a fatal storage failure.
type SinkError struct {
	Op   string
	Path string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("segment %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SinkError) Unwrap() error {
	return e.Err
}
