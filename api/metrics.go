package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "gatehouse"

// Metrics exposes session and audit counters in the Prometheus format. It
// owns its registry so that several instances can coexist in tests.
type Metrics struct {
	registry      *prometheus.Registry
	events        *prometheus.CounterVec
	sweepRemoved  prometheus.Counter
	sweepFailures prometheus.Counter
	sweepDuration prometheus.Histogram
	lastSweep     prometheus.Gauge
}

// NewMetrics returns Metrics registered on a fresh registry together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audit_events_total",
			Help:      "Security audit events by type.",
		}, []string{"event"}),
		sweepRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweep",
			Name:      "removed_total",
			Help:      "Expired sessions removed by the reclaimer.",
		}),
		sweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweep",
			Name:      "failures_total",
			Help:      "Reclaimer sweeps that returned an error.",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Time spent in each reclaimer sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		lastSweep: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweep",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sweep.",
		}),
	}
}

func (m *Metrics) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(event)).Inc()
}

// ObserveSweep records one reclaimer sweep. Its signature matches
// session.SweepObserver.
func (m *Metrics) ObserveSweep(removed int, elapsed time.Duration, err error) {
	m.sweepDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.sweepFailures.Inc()
		return
	}
	m.sweepRemoved.Add(float64(removed))
	m.lastSweep.SetToCurrentTime()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
