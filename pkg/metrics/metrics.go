// Package metrics documents the Prometheus metrics of the library.
// Metrics are defined in their own packages (capture, ratelimit, cache,
// ingest, pagination) and registered with promauto on the default
// registerer; this package only names that registry and serves it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry all library metrics live in.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns an HTTP handler exposing the library metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/capture):
//   - capture_requests_total{command, status} (Counter): API calls by command and HTTP status
//   - capture_request_duration_seconds{command} (Histogram): Call duration, retries included
//   - capture_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/capture):
//   - capture_retries_total{error_class} (Counter): Retry attempts by error class
//   - capture_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - capture_retry_exhausted_total{error_class} (Counter): Calls that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - capture_rate_limit_hits_total (Counter): 510 responses
//   - capture_rate_limit_waits_total (Counter): Calls delayed by an active cooldown
//   - capture_rate_limit_cooldown_seconds (Gauge): Cooldown started by the latest 510
//
// App Cache Metrics (pkg/cache):
//   - capture_cache_hits_total (Counter)
//   - capture_cache_misses_total (Counter)
//   - capture_cache_errors_total{operation} (Counter): get, set, delete
//
// Ingest Metrics (pkg/ingest):
//   - capture_ingest_batches_total{status} (Counter): ok, failed
//   - capture_ingest_records_total{result} (Counter): success, failure
//   - capture_ingest_batch_duration_seconds (Histogram)
//   - capture_ingest_smart_fallbacks_total (Counter): smart batches resent with per-record commit
//
// Pagination Metrics (pkg/pagination):
//   - capture_pagination_pages_total (Counter)
//   - capture_pagination_records_total (Counter)
//
// Example Prometheus Queries:
//
//   # Per-record failure ratio during an import
//   rate(capture_ingest_records_total{result="failure"}[5m]) /
//   sum(rate(capture_ingest_records_total[5m]))
//
//   # Rate limiting
//   rate(capture_rate_limit_hits_total[5m]) > 0
//
//   # P95 bulkCreate latency
//   histogram_quantile(0.95, rate(capture_request_duration_seconds_bucket{command="entity.bulkCreate"}[5m]))
