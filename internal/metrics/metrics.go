package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notify"

// Metrics holds the process collectors. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	eventsEmitted *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	relayed       *prometheus.CounterVec

	jobsProcessed *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	activeConnections prometheus.Gauge
	activeUsers       prometheus.Gauge
	activeRooms       prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
	storeUp           prometheus.Gauge
	storeLatency      prometheus.Gauge
	alerts            *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_emitted_total",
			Help: "Domain events accepted by the router.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Domain events with no registered handler.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Delivery attempts by target kind and result.",
		}, []string{"target", "result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_messages_total",
			Help: "Deliveries exchanged with other instances.",
		}, []string{"direction"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_processed_total",
			Help: "Jobs completed successfully.",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Jobs moved to the dead-letter list.",
		}, []string{"queue"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_retried_total",
			Help: "Failed job executions scheduled for retry.",
		}, []string{"queue"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Processor execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "result"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Open WebSocket connections on this instance.",
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "users_reachable",
			Help: "Authenticated users with at least one connection.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms_active",
			Help: "Rooms with at least one member.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Jobs waiting per queue, including delayed retries.",
		}, []string{"queue"}),
		storeUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_up",
			Help: "1 when the last store health check succeeded.",
		}),
		storeLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_latency_milliseconds",
			Help: "Round trip of the last store health check.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Threshold alerts raised by the monitor.",
		}, []string{"type", "severity"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Admin API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsEmitted, m.eventsDropped, m.deliveries, m.relayed,
		m.jobsProcessed, m.jobsFailed, m.jobsRetried, m.jobDuration,
		m.activeConnections, m.activeUsers, m.activeRooms, m.queueDepth,
		m.storeUp, m.storeLatency, m.alerts, m.requestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// =============================================================================
// Events
// =============================================================================

func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Delivery(target string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.deliveries.WithLabelValues(target, result).Inc()
}

func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}

// =============================================================================
// Jobs
// =============================================================================

func (m *Metrics) JobProcessed(queue string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue).Inc()
	m.jobDuration.WithLabelValues(queue, "ok").Observe(elapsed.Seconds())
}

func (m *Metrics) JobRetried(queue string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsRetried.WithLabelValues(queue).Inc()
	m.jobDuration.WithLabelValues(queue, "error").Observe(elapsed.Seconds())
}

func (m *Metrics) JobFailed(queue string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsFailed.WithLabelValues(queue).Inc()
	m.jobDuration.WithLabelValues(queue, "error").Observe(elapsed.Seconds())
}

// =============================================================================
// Gauges
// =============================================================================

func (m *Metrics) SetPresence(connections, users, rooms int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(connections))
	m.activeUsers.Set(float64(users))
	m.activeRooms.Set(float64(rooms))
}

func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) SetStoreHealth(up bool, latencyMs int64) {
	if m == nil {
		return
	}
	if up {
		m.storeUp.Set(1)
	} else {
		m.storeUp.Set(0)
	}
	m.storeLatency.Set(float64(latencyMs))
}

func (m *Metrics) Alert(alertType, severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
