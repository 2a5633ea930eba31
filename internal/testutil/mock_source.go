// Package testutil provides a mock PostgREST-style source for tests.
package testutil

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ResourcePath is the path the mock serves.
const ResourcePath = "/rest/v1/addresses"

// MockResponse defines a canned response injected ahead of normal serving.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockSource serves an identifier-ordered table the way PostgREST does:
// select, order, limit, offset, <id>=gt.N and and=(<id>.gte.A,<id>.lte.B).
type MockSource struct {
	server *httptest.Server
	apiKey string

	mu       sync.Mutex
	ids      []int64
	injected []MockResponse
	fail     func(q url.Values) *MockResponse
	delay    time.Duration

	// Tracking
	RequestCount int
	Queries      []url.Values
	LastHeader   http.Header
}

// NewMockSource serves identifiers from through to. An empty apiKey
// disables authentication.
func NewMockSource(from, to int64, apiKey string) *MockSource {
	m := &MockSource{apiKey: apiKey}
	for id := from; id <= to; id++ {
		m.ids = append(m.ids, id)
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the full resource URL.
func (m *MockSource) URL() string {
	return m.server.URL + ResourcePath
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// Delete removes identifiers from through to, as an upstream delete would.
func (m *MockSource) Delete(from, to int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.ids[:0]
	for _, id := range m.ids {
		if id < from || id > to {
			kept = append(kept, id)
		}
	}
	m.ids = kept
}

// Insert adds identifiers, keeping the table ordered.
func (m *MockSource) Insert(ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, ids...)
	sort.Slice(m.ids, func(i, j int) bool { return m.ids[i] < m.ids[j] })
}

// Len returns the number of rows in the table.
func (m *MockSource) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

// Inject queues responses returned, in order, before normal serving.
func (m *MockSource) Inject(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = append(m.injected, responses...)
}

// FailWhen installs a predicate; a non-nil response is returned instead of
// data for matching queries.
func (m *MockSource) FailWhen(fn func(q url.Values) *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// SetDelay delays every response.
func (m *MockSource) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// GetRequestCount returns the number of requests received.
func (m *MockSource) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetQueries returns a copy of every query received.
func (m *MockSource) GetQueries() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.Queries...)
}

var rangeFilter = regexp.MustCompile(`^\((\w+)\.gte\.(-?\d+),(\w+)\.lte\.(-?\d+)\)$`)

func (m *MockSource) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	m.mu.Lock()
	m.RequestCount++
	m.Queries = append(m.Queries, q)
	m.LastHeader = r.Header.Clone()
	delay := m.delay
	var canned *MockResponse
	if len(m.injected) > 0 {
		canned = &m.injected[0]
		m.injected = m.injected[1:]
	} else if m.fail != nil {
		canned = m.fail(q)
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.URL.Path != ResourcePath {
		writeError(w, http.StatusNotFound, "relation does not exist")
		return
	}
	if m.apiKey != "" && (r.Header.Get("apikey") != m.apiKey || r.Header.Get("Authorization") != "Bearer "+m.apiKey) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	if canned != nil {
		for k, v := range canned.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(canned.StatusCode)
		_, _ = w.Write([]byte(canned.Body))
		return
	}

	rows, status, msg := m.query(q)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(encodeRows(rows))
}

func (m *MockSource) query(q url.Values) ([]int64, int, string) {
	if order := q.Get("order"); order != "" && order != "id.asc" {
		return nil, http.StatusBadRequest, "unsupported order " + order
	}

	limit := -1
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, http.StatusBadRequest, "bad limit"
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, http.StatusBadRequest, "bad offset"
		}
		offset = n
	}

	lower, upper := int64(-1<<62), int64(1<<62)
	if v := q.Get("id"); v != "" {
		n, err := strconv.ParseInt(strings.TrimPrefix(v, "gt."), 10, 64)
		if err != nil || !strings.HasPrefix(v, "gt.") {
			return nil, http.StatusBadRequest, "bad id filter"
		}
		lower = n + 1
	}
	if v := q.Get("and"); v != "" {
		mm := rangeFilter.FindStringSubmatch(v)
		if mm == nil || mm[1] != "id" || mm[3] != "id" {
			return nil, http.StatusBadRequest, "bad and filter"
		}
		from, _ := strconv.ParseInt(mm[2], 10, 64)
		to, _ := strconv.ParseInt(mm[4], 10, 64)
		lower = max(lower, from)
		upper = min(upper, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var filtered []int64
	for _, id := range m.ids {
		if id >= lower && id <= upper {
			filtered = append(filtered, id)
		}
	}
	if offset >= len(filtered) {
		return nil, http.StatusOK, ""
	}
	filtered = filtered[offset:]
	if limit >= 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return append([]int64(nil), filtered...), http.StatusOK, ""
}

// encodeRows renders rows with a fixed key order that is not alphabetical,
// so tests can see that field order survives.
func encodeRows(ids []int64) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"id":%d,"street":"%d Main St, Apt %d","city":"Springfield","zip":"%05d","lat":%.4f}`,
			id, id, id%100, id%100000, 40+float64(id%1000)/1000)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"message":%q}`, msg)
}

// RateLimitResponse returns a 429 with a Retry-After in seconds.
func RateLimitResponse(retryAfter string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"rate limit exceeded"}`,
		Headers:    map[string]string{"Retry-After": retryAfter},
	}
}

// ServerErrorResponse returns a 503.
func ServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"message":"upstream unavailable"}`,
	}
}
