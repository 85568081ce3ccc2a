// Package metrics provides Prometheus metrics for the document filesystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device request metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmwebfs_remote_requests_total",
			Help: "Total number of requests sent to the device",
		},
		[]string{"op", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rmwebfs_remote_request_duration_seconds",
			Help:    "Time until the device answered with headers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rmwebfs_bytes_downloaded_total",
			Help: "Total document bytes read from the device",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rmwebfs_bytes_uploaded_total",
			Help: "Total document bytes sent to the device",
		},
	)

	// Upload lifecycle metrics
	commitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmwebfs_commits_total",
			Help: "Total number of pending upload commits",
		},
		[]string{"result"},
	)

	pendingUploads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rmwebfs_pending_uploads",
			Help: "Number of files created locally and not yet uploaded",
		},
	)

	// Listing cache metrics
	listingCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmwebfs_listing_cache_lookups_total",
			Help: "Total listing cache lookups",
		},
		[]string{"result"},
	)

	// Filesystem operation metrics
	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmwebfs_fs_operations_total",
			Help: "Total filesystem operations served",
		},
		[]string{"op", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRemoteRequest records one request to the device.
func RecordRemoteRequest(op, status string, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(op, status).Inc()
	remoteRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDownloadBytes adds to the downloaded byte counter.
func RecordDownloadBytes(n int64) {
	bytesDownloaded.Add(float64(n))
}

// RecordUploadBytes adds to the uploaded byte counter.
func RecordUploadBytes(n int64) {
	bytesUploaded.Add(float64(n))
}

// RecordCommit records the outcome of a commit: "success", "rejected",
// "conflict" or "error".
func RecordCommit(result string) {
	commitsTotal.WithLabelValues(result).Inc()
}

// SetPendingUploads sets the number of registered pending uploads.
func SetPendingUploads(n int) {
	pendingUploads.Set(float64(n))
}

// RecordListingCache records a listing cache hit or miss.
func RecordListingCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	listingCacheTotal.WithLabelValues(result).Inc()
}

// RecordFSOp records a filesystem operation and whether it failed.
func RecordFSOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	fsOpsTotal.WithLabelValues(op, status).Inc()
}
