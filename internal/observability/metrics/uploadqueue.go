package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// UploadQueueMetrics contains all Prometheus metrics related to the upload queue.
type UploadQueueMetrics struct {
	UploadsCompleted prometheus.Counter
	UploadsFailed    prometheus.Counter
	UploadsCancelled prometheus.Counter
	RetryAttempts    prometheus.Counter
	PendingItems     prometheus.Gauge
	InFlightItems    prometheus.Gauge
	UploadDuration   prometheus.Histogram
	UploadSize       prometheus.Histogram
	registry         *prometheus.Registry
}

// NewUploadQueueMetrics creates a new instance registered on the given registry.
func NewUploadQueueMetrics(registry *prometheus.Registry) (*UploadQueueMetrics, error) {
	m := &UploadQueueMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register upload queue metrics: %w", err)
	}
	return m, nil
}

func (m *UploadQueueMetrics) initMetrics() {
	m.UploadsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uploadqueue_uploads_completed_total",
		Help: "Total number of photo uploads acknowledged by the server",
	})
	m.UploadsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uploadqueue_uploads_failed_total",
		Help: "Total number of photo uploads that exhausted their retries",
	})
	m.UploadsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uploadqueue_uploads_cancelled_total",
		Help: "Total number of in-flight transfers aborted by cancellation",
	})
	m.RetryAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uploadqueue_retry_attempts_total",
		Help: "Total number of upload retry attempts",
	})
	m.PendingItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uploadqueue_pending_items",
		Help: "Current number of items waiting in the upload queue",
	})
	m.InFlightItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uploadqueue_inflight_items",
		Help: "Current number of transfers with outstanding network requests",
	})
	m.UploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "uploadqueue_upload_duration_seconds",
		Help:    "Duration of successful photo transfers in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	m.UploadSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "uploadqueue_upload_size_bytes",
		Help:    "Size of uploaded photo payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})
}

// Collect implements the prometheus.Collector interface.
func (m *UploadQueueMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.UploadsCompleted
	ch <- m.UploadsFailed
	ch <- m.UploadsCancelled
	ch <- m.RetryAttempts
	ch <- m.PendingItems
	ch <- m.InFlightItems
	ch <- m.UploadDuration
	ch <- m.UploadSize
}

// Describe implements the prometheus.Collector interface.
func (m *UploadQueueMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.UploadsCompleted.Desc()
	ch <- m.UploadsFailed.Desc()
	ch <- m.UploadsCancelled.Desc()
	ch <- m.RetryAttempts.Desc()
	ch <- m.PendingItems.Desc()
	ch <- m.InFlightItems.Desc()
	ch <- m.UploadDuration.Desc()
	ch <- m.UploadSize.Desc()
}
