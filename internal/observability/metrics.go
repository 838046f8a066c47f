package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbusgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	providerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusgate_provider_operations_total",
			Help: "Storage provider operations by result",
		},
		[]string{"provider", "operation", "result"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbusgate_bytes_uploaded_total",
			Help: "Total bytes accepted for upload",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbusgate_bytes_downloaded_total",
			Help: "Total bytes streamed to clients",
		},
	)

	chunkUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusgate_chunk_uploads_total",
			Help: "Chunk requests by upload path and result",
		},
		[]string{"mode", "result"},
	)

	rangeFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbusgate_range_fetches_total",
			Help: "Byte-range fetches issued by the download streamer",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbusgate_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	janitorAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusgate_janitor_aborted_uploads_total",
			Help: "Stale multipart uploads aborted by the janitor",
		},
		[]string{"result"},
	)
)

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordProviderOperation records a provider call.
func RecordProviderOperation(provider, operation string, err error) {
	providerOperationsTotal.WithLabelValues(provider, operation, result(err)).Inc()
}

// RecordUploadBytes adds n uploaded bytes.
func RecordUploadBytes(n int64) {
	if n > 0 {
		bytesUploaded.Add(float64(n))
	}
}

// RecordDownloadBytes adds n streamed bytes.
func RecordDownloadBytes(n int64) {
	if n > 0 {
		bytesDownloaded.Add(float64(n))
	}
}

// RecordChunk records a chunk request served on mode.
func RecordChunk(mode string, err error) {
	if mode == "" {
		mode = "unknown"
	}
	chunkUploadsTotal.WithLabelValues(mode, result(err)).Inc()
}

// RecordRangeFetch counts one range request.
func RecordRangeFetch() {
	rangeFetchesTotal.Inc()
}

// RecordRateLimitHit counts one rejected request.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordJanitorAbort counts one janitor abort attempt.
func RecordJanitorAbort(err error) {
	janitorAbortsTotal.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
