// Package metrics documents the Prometheus metrics exposed by the FOLIO
// client. All metrics are defined in their owning packages (client, auth,
// pagination, refcache) via promauto to keep them next to the code that
// records them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registerer used by the client.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - folio_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - folio_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - folio_errors_total{class} (Counter): Errors by class (authentication, permission,
//     not_found, validation, conflict, server, unavailable, gateway_timeout,
//     connection, protocol, client_closed, or unclassified)
//
// Retry Metrics (pkg/client):
//   - folio_retries_total{error_class} (Counter): Retry attempts by error class
//   - folio_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - folio_retry_exhausted_total{error_class} (Counter): Operations that exhausted retries
//
// Auth Metrics (pkg/auth):
//   - folio_auth_logins_total{mode, outcome} (Counter): Login exchanges by endpoint
//     mode (expiry, legacy) and outcome
//   - folio_auth_invalidations_total (Counter): Explicit token invalidations
//
// Pagination Metrics (pkg/pagination):
//   - folio_pages_fetched_total{strategy} (Counter): Pages fetched by strategy (offset, id)
//   - folio_records_yielded_total (Counter): Records yielded to consumers
//
// Reference-Data Cache Metrics (pkg/refcache):
//   - folio_refcache_hits_total (Counter): Cache hits
//   - folio_refcache_misses_total (Counter): Cache misses
//   - folio_refcache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Request error rate
//   rate(folio_errors_total[5m])
//
//   # Retry exhaustion by class
//   rate(folio_retry_exhausted_total[5m])
//
//   # Reference cache hit rate
//   sum(rate(folio_refcache_hits_total[5m])) /
//   (sum(rate(folio_refcache_hits_total[5m])) + sum(rate(folio_refcache_misses_total[5m])))
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(folio_request_duration_seconds_bucket[5m]))
