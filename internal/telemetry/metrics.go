// Package telemetry provides application-level observability for the upload
// registry.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<UPR_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped by a Prometheus server
// every 15–60 seconds. It is NOT served by the Gin router.
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /files/:id) rather
// than the raw request URL, so upload IDs never become label values.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Upload lifecycle metrics, incremented by the HTTP handlers as protocol
// operations succeed, and by the cleanup scheduler as uploads expire.
//
// Example PromQL queries:
//   - Creation rate:            rate(uploads_created_total[5m])
//   - Completion ratio:         rate(uploads_completed_total[1h]) / rate(uploads_created_total[1h])
//   - Abandonment signal:       rate(uploads_expired_total[1h])
//   - Ingest throughput (B/s):  rate(upload_bytes_received_total[5m])
var (
	UploadsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploads_created_total",
			Help: "Total number of upload sessions created.",
		},
	)

	UploadsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploads_completed_total",
			Help: "Total number of uploads that reached their declared length.",
		},
	)

	UploadsTerminatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploads_terminated_total",
			Help: "Total number of uploads removed by explicit client termination.",
		},
	)

	UploadsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploads_expired_total",
			Help: "Total number of uploads removed by the cleanup sweep.",
		},
	)

	UploadBytesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_bytes_received_total",
			Help: "Total number of payload bytes durably persisted across all uploads.",
		},
	)

	ChecksumMismatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_checksum_mismatches_total",
			Help: "Total number of chunks rejected because their declared checksum did not match.",
		},
	)
)
