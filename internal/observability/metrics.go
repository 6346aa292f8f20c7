// Package observability provides metrics collection for the capture pipeline.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/patricksmith/highline-capture/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry   *prometheus.Registry
	Channel    *metrics.ChannelMetrics
	Queue      *metrics.UploadQueueMetrics
	PhotoStore *metrics.PhotoStoreMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	channelMetrics, err := metrics.NewChannelMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel metrics: %w", err)
	}

	queueMetrics, err := metrics.NewUploadQueueMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload queue metrics: %w", err)
	}

	photoStoreMetrics, err := metrics.NewPhotoStoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create photo store metrics: %w", err)
	}

	return &Metrics{
		registry:   registry,
		Channel:    channelMetrics,
		Queue:      queueMetrics,
		PhotoStore: photoStoreMetrics,
	}, nil
}

// Registry returns the prometheus registry holding all pipeline metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
