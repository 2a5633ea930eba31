// Package metrics exposes the Prometheus registry used by the harvester.
// All metrics are defined in their respective packages (client, ratelimit,
// pagination, segment, gaps, archive, progress) and registered via promauto.
//
// This package provides the HTTP handler and the reference list of metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
var Registry = prometheus.DefaultRegisterer

// Handler returns the scrape handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvester_requests_total{status} (Counter): Source API requests by outcome
//   - harvester_request_duration_seconds (Histogram): Per-attempt request latency
//   - harvester_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvester_retry_backoff_seconds{error_class} (Histogram): Backoff applied before a retry
//   - harvester_retry_exhausted_total{error_class} (Counter): Requests that gave up
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvester_limiter_wait_seconds (Histogram): Time spent waiting for a token
//   - harvester_cooldown_seconds (Gauge): Remaining shared 429 cooldown
//   - harvester_cooldowns_total (Counter): 429 responses that started a cooldown
//
// Pass Metrics (pkg/pagination, pkg/segment):
//   - harvester_rounds_total (Counter): Completed fetching rounds
//   - harvester_pages_total{result} (Counter): Pages fetched by result (full, short, empty)
//   - harvester_rows_written_total (Counter): Rows appended to segments
//   - harvester_segments_closed_total (Counter): Segments closed
//
// Reconciliation Metrics (pkg/gaps):
//   - harvester_gap_ranges_total{outcome} (Counter): Gap ranges by outcome (recovered, empty, failed)
//   - harvester_gap_records_recovered_total (Counter): Records recovered from gaps
//
// Archive Metrics (pkg/archive):
//   - harvester_archive_uploads_total{result} (Counter): Segment uploads by result
//
// Progress Metrics (pkg/progress):
//   - harvester_progress_writes_total (Counter): Progress entries published
//   - harvester_progress_errors_total{operation} (Counter): Progress store errors
//
// Example Prometheus Queries:
//
//	# Harvest throughput
//	rate(harvester_rows_written_total[5m])
//
//	# Share of attempts that were throttled
//	sum(rate(harvester_retries_total{error_class="rate_limited"}[5m])) /
//	sum(rate(harvester_requests_total[5m]))
//
//	# P95 request latency
//	histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
