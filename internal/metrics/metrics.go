// Package metrics provides Prometheus metrics for grfs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Camera transport metrics
	cameraRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_camera_requests_total",
			Help: "Total number of HTTP requests sent to the camera",
		},
		[]string{"endpoint", "status"},
	)

	cameraRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grfs_camera_request_duration_seconds",
			Help:    "Camera request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	cameraOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grfs_camera_online",
			Help: "1 if the last camera request succeeded, 0 otherwise",
		},
	)

	// Download cache metrics
	photoFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_photo_fetches_total",
			Help: "Total number of full photo downloads",
		},
		[]string{"status"},
	)

	photoBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grfs_photo_bytes_downloaded_total",
			Help: "Total photo bytes downloaded from the camera",
		},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grfs_cache_hits_total",
			Help: "Reads served from an existing backing store",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grfs_cache_misses_total",
			Help: "Reads that required a download",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grfs_cache_entries",
			Help: "Number of photos held in the download cache",
		},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grfs_cache_bytes",
			Help: "Bytes held in the download cache",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grfs_cache_evictions_total",
			Help: "Backing stores released by the capacity bound",
		},
	)

	// Tree metrics
	sizeProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_size_probes_total",
			Help: "Total photo size probes",
		},
		[]string{"status"},
	)

	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_reloads_total",
			Help: "Total tree reloads",
		},
		[]string{"status"},
	)

	reloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grfs_reload_duration_seconds",
			Help:    "Time to fetch the listing and rebuild the tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	treePhotos = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grfs_tree_photos",
			Help: "Number of photos in the active tree (per variant)",
		},
	)

	treeGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grfs_tree_generation",
			Help: "Generation number of the active tree",
		},
	)

	// Filesystem operation metrics
	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_fs_operations_total",
			Help: "Filesystem operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// WebDAV server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_http_requests_total",
			Help: "Total number of WebDAV HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grfs_http_request_duration_seconds",
			Help:    "WebDAV HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grfs_event_subscribers",
			Help: "Number of active reload event subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_events_total",
			Help: "Total events published",
		},
		[]string{"type"},
	)

	// Export metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grfs_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grfs_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCameraRequest records a request to the camera. code is 0 when no
// response was received.
func RecordCameraRequest(endpoint string, code int, duration time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	cameraRequestsTotal.WithLabelValues(endpoint, label).Inc()
	cameraRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetCameraOnline records the camera reachability.
func SetCameraOnline(online bool) {
	if online {
		cameraOnline.Set(1)
	} else {
		cameraOnline.Set(0)
	}
}

// RecordPhotoFetch records a full photo download.
func RecordPhotoFetch(bytes int64, success bool) {
	photoBytesDownloaded.Add(float64(bytes))
	photoFetchesTotal.WithLabelValues(status(success)).Inc()
}

// RecordCacheHit records a read served without a download.
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss records a read that needed a download.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// RecordCacheEviction records a backing store released by the capacity bound.
func RecordCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// SetCacheUsage sets the current download cache usage.
func SetCacheUsage(entries int, bytes int64) {
	cacheEntries.Set(float64(entries))
	cacheBytes.Set(float64(bytes))
}

// RecordSizeProbe records a photo size probe.
func RecordSizeProbe(success bool) {
	sizeProbesTotal.WithLabelValues(status(success)).Inc()
}

// RecordReload records a tree reload attempt.
func RecordReload(duration time.Duration, success bool) {
	reloadsTotal.WithLabelValues(status(success)).Inc()
	reloadDuration.Observe(duration.Seconds())
}

// SetTree records the size and generation of the active tree.
func SetTree(photos int, generation uint64) {
	treePhotos.Set(float64(photos))
	treeGeneration.Set(float64(generation))
}

// RecordFSOp records a filesystem operation outcome.
func RecordFSOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fsOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordHTTPRequest records a WebDAV HTTP request.
func RecordHTTPRequest(method string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetEventSubscribers sets the number of event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// RecordEvent records a published event.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
