package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PhotoStoreMetrics contains all Prometheus metrics related to the durable photo store.
type PhotoStoreMetrics struct {
	PhotosSaved   prometheus.Counter
	PhotosSwept   prometheus.Counter
	StorageErrors prometheus.Counter
	PendingPhotos prometheus.Gauge
	registry      *prometheus.Registry
}

// NewPhotoStoreMetrics creates a new instance registered on the given registry.
func NewPhotoStoreMetrics(registry *prometheus.Registry) (*PhotoStoreMetrics, error) {
	m := &PhotoStoreMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register photo store metrics: %w", err)
	}
	return m, nil
}

func (m *PhotoStoreMetrics) initMetrics() {
	m.PhotosSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "photostore_photos_saved_total",
		Help: "Total number of captured photos persisted to the durable store",
	})
	m.PhotosSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "photostore_photos_swept_total",
		Help: "Total number of photos removed by the retention sweep",
	})
	m.StorageErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "photostore_errors_total",
		Help: "Total number of durable store operation failures",
	})
	m.PendingPhotos = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "photostore_pending_photos",
		Help: "Current number of stored photos not yet acknowledged by the server",
	})
}

// Collect implements the prometheus.Collector interface.
func (m *PhotoStoreMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.PhotosSaved
	ch <- m.PhotosSwept
	ch <- m.StorageErrors
	ch <- m.PendingPhotos
}

// Describe implements the prometheus.Collector interface.
func (m *PhotoStoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.PhotosSaved.Desc()
	ch <- m.PhotosSwept.Desc()
	ch <- m.StorageErrors.Desc()
	ch <- m.PendingPhotos.Desc()
}
