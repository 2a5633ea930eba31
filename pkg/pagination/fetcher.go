package pagination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/Sternrassler/harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrMalformedPage is returned when a response cannot be decoded or breaks
// the ordering contract of its cursor.
var ErrMalformedPage = errors.New("malformed page")

var pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvester_pages_total",
	Help: "Total pages fetched by result (full, short, empty, error)",
}, []string{"result"})

// Page is one response of the source, ordered by identifier.
type Page struct {
	Cursor  Cursor
	Records []record.Record

	// HasMore is true iff the page came back full. It is a heuristic: a
	// result set that ends exactly on a page boundary reports true once more.
	HasMore bool
}

// Empty reports whether the page holds no records.
func (p Page) Empty() bool {
	return len(p.Records) == 0
}

// FirstID returns the identifier of the first record, or 0 when empty.
func (p Page) FirstID() int64 {
	if len(p.Records) == 0 {
		return 0
	}
	return p.Records[0].ID
}

// LastID returns the identifier of the last record, or 0 when empty.
func (p Page) LastID() int64 {
	if len(p.Records) == 0 {
		return 0
	}
	return p.Records[len(p.Records)-1].ID
}

// PageFetcher fetches one page of up to limit records.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor Cursor, limit int) (Page, error)
}

// Requester issues a GET with the given query against the source resource
// and passes the successful body to decode. *client.Client implements it.
type Requester interface {
	Get(ctx context.Context, query url.Values, decode func(body io.Reader) error) error
}

// Fetcher implements PageFetcher over a Requester.
type Fetcher struct {
	requester Requester
	idField   string
	logger    zerolog.Logger
}

// NewFetcher creates a page fetcher ordering and filtering on idField.
func NewFetcher(requester Requester, idField string, logger zerolog.Logger) *Fetcher {
	if idField == "" {
		idField = "id"
	}
	return &Fetcher{
		requester: requester,
		idField:   idField,
		logger:    logger,
	}
}

// IDField returns the identifier field name.
func (f *Fetcher) IDField() string {
	return f.idField
}

// FetchPage implements PageFetcher. Request errors from the requester are
// returned unchanged so callers can classify them.
func (f *Fetcher) FetchPage(ctx context.Context, cursor Cursor, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("page size must be positive, got %d", limit)
	}

	query := cursor.Query(f.idField)
	query.Set("limit", strconv.Itoa(limit))

	var (
		records   []record.Record
		decodeErr error
	)
	err := f.requester.Get(ctx, query, func(body io.Reader) error {
		records, decodeErr = record.DecodeArray(body, f.idField)
		return decodeErr
	})
	if err != nil {
		pagesTotal.WithLabelValues("error").Inc()
		if err == decodeErr {
			return Page{}, fmt.Errorf("%w (%s): %v", ErrMalformedPage, cursor, err)
		}
		return Page{}, err
	}
	if err := validate(cursor, records, limit); err != nil {
		pagesTotal.WithLabelValues("error").Inc()
		return Page{}, fmt.Errorf("%w (%s): %v", ErrMalformedPage, cursor, err)
	}

	page := Page{
		Cursor:  cursor,
		Records: records,
		HasMore: len(records) == limit,
	}

	switch {
	case page.Empty():
		pagesTotal.WithLabelValues("empty").Inc()
	case page.HasMore:
		pagesTotal.WithLabelValues("full").Inc()
	default:
		pagesTotal.WithLabelValues("short").Inc()
	}

	f.logger.Debug().
		Str("cursor", cursor.String()).
		Int("records", len(records)).
		Int64("first_id", page.FirstID()).
		Int64("last_id", page.LastID()).
		Bool("has_more", page.HasMore).
		Msg("Fetched page")

	return page, nil
}

func validate(cursor Cursor, records []record.Record, limit int) error {
	if len(records) > limit {
		return fmt.Errorf("got %d records for limit %d", len(records), limit)
	}
	for i, rec := range records {
		if !cursor.Contains(rec.ID) {
			return fmt.Errorf("identifier %d outside window", rec.ID)
		}
		if i > 0 && rec.ID <= records[i-1].ID {
			return fmt.Errorf("identifier %d after %d is not ascending", rec.ID, records[i-1].ID)
		}
	}
	return nil
}
