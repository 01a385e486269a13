// Package observability bundles the runtime's Prometheus metrics and
// OpenTelemetry tracing setup.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer wraps the default registry with the service label
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "stator"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the runtime's Prometheus instruments
type Metrics struct {
	// Dispatch metrics
	EventsTotal      *prometheus.CounterVec
	TransitionsTotal prometheus.Counter
	TimeoutsTotal    *prometheus.CounterVec
	ArchivalsTotal   *prometheus.CounterVec
	DispatchDuration prometheus.Histogram

	// Registry gauges
	MachinesLive prometheus.Gauge
	TimersActive prometheus.Gauge

	// Transport metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	IngressMessagesTotal *prometheus.CounterVec
	DebugClients         prometheus.Gauge
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a metrics collection on the given registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		EventsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_events_total",
				Help: "Total number of dispatched events",
			},
			[]string{"result"}, // delivered, ignored, backpressure, unknown, complete
		),
		TransitionsTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "stator_transitions_total",
				Help: "Total number of state transitions",
			},
		),
		TimeoutsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_timeouts_total",
				Help: "Total number of state timeout firings",
			},
			[]string{"result"}, // fired, stale
		),
		ArchivalsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_archivals_total",
				Help: "Total number of machine archival attempts",
			},
			[]string{"result"}, // ok, error
		),
		DispatchDuration: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stator_dispatch_duration_seconds",
				Help:    "Event dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		MachinesLive: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "stator_machines_live",
				Help: "Number of machines currently held in memory",
			},
		),
		TimersActive: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "stator_timers_active",
				Help: "Number of armed state timeouts",
			},
		),
		HTTPRequestsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stator_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		IngressMessagesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_ingress_messages_total",
				Help: "Total number of messages consumed from the event source",
			},
			[]string{"result"}, // accepted, rejected, invalid
		),
		DebugClients: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "stator_debug_clients",
				Help: "Number of connected debug channel clients",
			},
		),
	}
}

// RecordEvent counts one dispatched or refused event
func (m *Metrics) RecordEvent(result string) {
	m.EventsTotal.WithLabelValues(result).Inc()
}

// RecordTransition counts one committed state transition
func (m *Metrics) RecordTransition() {
	m.TransitionsTotal.Inc()
}

// RecordTimeout counts one timeout firing
func (m *Metrics) RecordTimeout(result string) {
	m.TimeoutsTotal.WithLabelValues(result).Inc()
}

// RecordArchival counts one archival attempt
func (m *Metrics) RecordArchival(result string) {
	m.ArchivalsTotal.WithLabelValues(result).Inc()
}

// ObserveDispatch records how long one dispatch took
func (m *Metrics) ObserveDispatch(d time.Duration) {
	m.DispatchDuration.Observe(d.Seconds())
}

// SetMachinesLive updates the live machine gauge
func (m *Metrics) SetMachinesLive(n int) {
	m.MachinesLive.Set(float64(n))
}

// SetTimersActive updates the armed timer gauge
func (m *Metrics) SetTimersActive(n int) {
	m.TimersActive.Set(float64(n))
}

// RecordHTTPRequest records one HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordIngress counts one consumed message
func (m *Metrics) RecordIngress(result string) {
	m.IngressMessagesTotal.WithLabelValues(result).Inc()
}

// SetDebugClients updates the debug client gauge
func (m *Metrics) SetDebugClients(n int) {
	m.DebugClients.Set(float64(n))
}
