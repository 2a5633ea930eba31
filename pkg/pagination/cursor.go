package pagination

import (
	"fmt"
	"net/url"
	"strconv"
)

// Cursor addresses one window of the source.
type Cursor interface {
	// Query returns the filter, order, and offset parameters for the window.
	// The page size is added by the fetcher.
	Query(idField string) url.Values

	// Contains reports whether id may legitimately appear in the window.
	Contains(id int64) bool

	String() string
}

// OffsetCursor addresses rows by offset within the result set filtered to
// identifiers greater than AfterID. An AfterID of zero disables the filter.
type OffsetCursor struct {
	Offset  int
	AfterID int64
}

// Query implements Cursor.
func (c OffsetCursor) Query(idField string) url.Values {
	q := baseQuery(idField)
	q.Set("offset", strconv.Itoa(c.Offset))
	if c.AfterID > 0 {
		q.Set(idField, "gt."+strconv.FormatInt(c.AfterID, 10))
	}
	return q
}

// Contains implements Cursor.
func (c OffsetCursor) Contains(id int64) bool {
	return c.AfterID <= 0 || id > c.AfterID
}

func (c OffsetCursor) String() string {
	if c.AfterID > 0 {
		return fmt.Sprintf("offset=%d after=%d", c.Offset, c.AfterID)
	}
	return fmt.Sprintf("offset=%d", c.Offset)
}

// RangeCursor addresses identifiers From through To inclusive.
type RangeCursor struct {
	From int64
	To   int64
}

// Query implements Cursor.
func (c RangeCursor) Query(idField string) url.Values {
	q := baseQuery(idField)
	q.Set("and", fmt.Sprintf("(%s.gte.%d,%s.lte.%d)", idField, c.From, idField, c.To))
	return q
}

// Contains implements Cursor.
func (c RangeCursor) Contains(id int64) bool {
	return id >= c.From && id <= c.To
}

func (c RangeCursor) String() string {
	return fmt.Sprintf("range=[%d,%d]", c.From, c.To)
}

func baseQuery(idField string) url.Values {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", idField+".asc")
	return q
}
