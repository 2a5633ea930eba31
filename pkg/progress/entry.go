package progress

import "time"

// Entry is a snapshot of one pass.
type Entry struct {
	State string `json:"state"`
	Round int    `json:"round"`

	// Rows counts rows written by this pass only.
	Rows    int   `json:"rows"`
	AfterID int64 `json:"after_id"`
	LastID  int64 `json:"last_id"`

	Segment       int `json:"segment"`
	RowsInSegment int `json:"rows_in_segment"`

	Error string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Age returns how long ago the entry was updated.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.UpdatedAt.IsZero() {
		return 0
	}
	return now.Sub(e.UpdatedAt)
}

// Finished reports whether the pass reached a terminal state.
func (e *Entry) Finished() bool {
	return e.State == "DONE" || e.State == "FAILED"
}
