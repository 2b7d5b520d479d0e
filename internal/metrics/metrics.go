// Package metrics exposes Prometheus metrics for the komuzik daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects scheduler measurements. It satisfies the scheduler's
// Observer interface.
type Metrics struct {
	registry *prometheus.Registry

	downloadsTotal  *prometheus.CounterVec
	retriesTotal    prometheus.Counter
	activeDownloads prometheus.Gauge
	queueDepth      prometheus.Gauge
	fetchDuration   *prometheus.HistogramVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "komuzik_downloads_total",
				Help: "Finished download requests by outcome",
			},
			[]string{"outcome"},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "komuzik_retries_total",
				Help: "Backend fetch retries after transient failures",
			},
		),
		activeDownloads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "komuzik_active_downloads",
				Help: "Downloads currently executing",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "komuzik_queue_depth",
				Help: "Requests waiting for a slot",
			},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "komuzik_fetch_duration_seconds",
				Help: "Request duration from submission to terminal result",
				// Downloads run from sub-second rejections to minutes.
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.downloadsTotal,
		m.retriesTotal,
		m.activeDownloads,
		m.queueDepth,
		m.fetchDuration,
	)
	return m
}

// ObserveResult records one terminal result and its total duration.
func (m *Metrics) ObserveResult(outcome string, d time.Duration) {
	m.downloadsTotal.WithLabelValues(outcome).Inc()
	m.fetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveRetry counts one retry attempt.
func (m *Metrics) ObserveRetry() {
	m.retriesTotal.Inc()
}

// SetActive updates the executing-downloads gauge.
func (m *Metrics) SetActive(n int) {
	m.activeDownloads.Set(float64(n))
}

// SetQueued updates the queue-depth gauge.
func (m *Metrics) SetQueued(n int) {
	m.queueDepth.Set(float64(n))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
