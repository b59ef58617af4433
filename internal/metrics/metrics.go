// Package metrics exposes monitor counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deltashot"

// Metrics holds the collectors updated by the monitor loop.
type Metrics struct {
	registry *prometheus.Registry

	cycles       *prometheus.CounterVec
	similarity   prometheus.Histogram
	captureTime  prometheus.Histogram
	persistTime  prometheus.Histogram
	running      prometheus.Gauge
	breakerState prometheus.Gauge
}

// New creates a registry with process and Go collectors plus the monitor metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Monitor cycles by outcome.",
		}, []string{"outcome"}),
		similarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "similarity_score",
			Help:      "SSIM between each capture and the baseline.",
			Buckets:   []float64{0, 0.25, 0.5, 0.75, 0.9, 0.93, 0.95, 0.97, 0.99, 1},
		}),
		captureTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Time spent capturing the region.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		persistTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Time spent encoding and writing a capture.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_running",
			Help:      "1 while a monitoring session is active.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_breaker_state",
			Help:      "Capture circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.similarity, m.captureTime, m.persistTime, m.running, m.breakerState,
	)
	return m
}

// Cycle counts one finished cycle.
func (m *Metrics) Cycle(outcome string) { m.cycles.WithLabelValues(outcome).Inc() }

// Similarity records a comparison score.
func (m *Metrics) Similarity(score float64) { m.similarity.Observe(score) }

// CaptureDuration records how long a capture took.
func (m *Metrics) CaptureDuration(d time.Duration) { m.captureTime.Observe(d.Seconds()) }

// PersistDuration records how long a save took.
func (m *Metrics) PersistDuration(d time.Duration) { m.persistTime.Observe(d.Seconds()) }

// Running sets the session gauge.
func (m *Metrics) Running(on bool) {
	if on {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
}

// BreakerState records the capture breaker state.
func (m *Metrics) BreakerState(state uint32) { m.breakerState.Set(float64(state)) }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}
