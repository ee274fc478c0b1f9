package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors for supervisor activity. All
// methods are nil-receiver-safe, so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec

	documentsProcessed prometheus.Counter

	restartsTotal   *prometheus.CounterVec
	restartDuration prometheus.Histogram

	engineMemoryMB prometheus.Gauge
	pendingCalls   prometheus.Gauge
	workerCrashes  prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stoker",
			Name:      "calls_total",
			Help:      "Engine calls by method and status.",
		}, []string{"method", "status"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stoker",
			Name:      "call_duration_seconds",
			Help:      "Engine call latency by method.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"method"}),

		documentsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stoker",
			Name:      "documents_processed_total",
			Help:      "Documents processed by indexing calls.",
		}),

		restartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stoker",
			Name:      "restarts_total",
			Help:      "Engine restarts by trigger.",
		}, []string{"trigger"}),

		restartDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stoker",
			Name:      "restart_duration_seconds",
			Help:      "Engine restart latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		engineMemoryMB: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stoker",
			Name:      "engine_memory_mb",
			Help:      "Last known engine memory figure in megabytes.",
		}),

		pendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stoker",
			Name:      "pending_calls",
			Help:      "Outstanding calls against the worker.",
		}),

		workerCrashes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stoker",
			Name:      "worker_crashes_total",
			Help:      "Unexpected worker process exits.",
		}),
	}
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCall(method, status string, duration time.Duration) {
	if m == nil {
		return
	}

	m.callsTotal.WithLabelValues(method, status).Inc()
	m.callDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) AddDocuments(n int64) {
	if m == nil {
		return
	}

	m.documentsProcessed.Add(float64(n))
}

func (m *Metrics) ObserveRestart(trigger string, duration time.Duration) {
	if m == nil {
		return
	}

	m.restartsTotal.WithLabelValues(trigger).Inc()
	m.restartDuration.Observe(duration.Seconds())
}

func (m *Metrics) SetEngineMemoryMB(mb float64) {
	if m == nil {
		return
	}

	m.engineMemoryMB.Set(mb)
}

func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}

	m.pendingCalls.Set(float64(n))
}

func (m *Metrics) IncWorkerCrashes() {
	if m == nil {
		return
	}

	m.workerCrashes.Inc()
}
