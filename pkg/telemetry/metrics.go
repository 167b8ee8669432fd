package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning engine.
// A nil *Metrics or a disabled one is a valid no-op collector.
type Metrics struct {
	config MetricsConfig

	// Pool metrics
	poolLive        *prometheus.GaugeVec
	poolIdle        *prometheus.GaugeVec
	poolWaiting     *prometheus.GaugeVec
	poolAcquires    *prometheus.CounterVec
	poolAcquireTime *prometheus.HistogramVec

	// Connector metrics
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	connectorErrors   *prometheus.CounterVec

	// Propagation metrics
	propagationStatus *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec

	// Reconciliation metrics
	reports      *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec

	// Queue metrics
	queueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		poolLive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "live_handles",
				Help:      "Current number of live connector handles",
			},
			[]string{"instance"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "idle_handles",
				Help:      "Current number of idle connector handles",
			},
			[]string{"instance"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "waiting_acquirers",
				Help:      "Current number of callers blocked in Acquire",
			},
			[]string{"instance"},
		),
		poolAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquires_total",
				Help:      "Total number of acquire attempts by outcome",
			},
			[]string{"instance", "outcome"},
		),
		poolAcquireTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_duration_seconds",
				Help:      "Time spent acquiring a connector handle",
				Buckets:   buckets,
			},
			[]string{"instance"},
		),

		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_calls_total",
				Help:      "Total number of native connector calls",
			},
			[]string{"instance", "operation"},
		),
		connectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connector_call_duration_seconds",
				Help:      "Duration of native connector calls in seconds",
				Buckets:   buckets,
			},
			[]string{"instance", "operation"},
		),
		connectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_errors_total",
				Help:      "Total number of failed native connector calls",
			},
			[]string{"instance", "operation", "kind"},
		),

		propagationStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "propagation_status_total",
				Help:      "Total number of propagation outcomes by resource and status",
			},
			[]string{"resource", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "propagation_task_duration_seconds",
				Help:      "Duration of propagation task executions in seconds",
				Buckets:   buckets,
			},
			[]string{"resource", "operation"},
		),

		reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_reports_total",
				Help:      "Total number of reconciliation reports by resource, rule and status",
			},
			[]string{"resource", "rule", "status"},
		),
		pageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_page_duration_seconds",
				Help:      "Duration of one reconciliation page in seconds",
				Buckets:   buckets,
			},
			[]string{"resource", "direction"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_tasks",
				Help:      "Current number of propagation tasks waiting in the queue",
			},
		),
	}

	registry.MustRegister(
		m.poolLive,
		m.poolIdle,
		m.poolWaiting,
		m.poolAcquires,
		m.poolAcquireTime,
		m.connectorCalls,
		m.connectorDuration,
		m.connectorErrors,
		m.propagationStatus,
		m.taskDuration,
		m.reports,
		m.pageDuration,
		m.queueDepth,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Pool Metrics

// SetPoolState records the live, idle and waiting counts of one pool.
func (m *Metrics) SetPoolState(instance string, live, idle, waiting int) {
	if !m.enabled() {
		return
	}
	m.poolLive.WithLabelValues(instance).Set(float64(live))
	m.poolIdle.WithLabelValues(instance).Set(float64(idle))
	m.poolWaiting.WithLabelValues(instance).Set(float64(waiting))
}

// RecordAcquire records one acquire attempt with its outcome
// (idle, created, waited, timeout, unavailable, cancelled).
func (m *Metrics) RecordAcquire(instance, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.poolAcquires.WithLabelValues(instance, outcome).Inc()
	m.poolAcquireTime.WithLabelValues(instance).Observe(duration.Seconds())
}

// Connector Metrics

// RecordConnectorCall records a native connector call with its duration.
func (m *Metrics) RecordConnectorCall(instance, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.connectorCalls.WithLabelValues(instance, operation).Inc()
	m.connectorDuration.WithLabelValues(instance, operation).Observe(duration.Seconds())
}

// RecordConnectorError records a failed native connector call.
func (m *Metrics) RecordConnectorError(instance, operation, kind string) {
	if !m.enabled() {
		return
	}
	m.connectorErrors.WithLabelValues(instance, operation, kind).Inc()
}

// Propagation Metrics

// RecordPropagation records one propagation outcome.
func (m *Metrics) RecordPropagation(resource, operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.propagationStatus.WithLabelValues(resource, status).Inc()
	m.taskDuration.WithLabelValues(resource, operation).Observe(duration.Seconds())
}

// Reconciliation Metrics

// RecordReport records one reconciliation report.
func (m *Metrics) RecordReport(resource, rule, status string) {
	if !m.enabled() {
		return
	}
	m.reports.WithLabelValues(resource, rule, status).Inc()
}

// RecordPage records the processing time of one reconciliation page.
func (m *Metrics) RecordPage(resource, direction string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.pageDuration.WithLabelValues(resource, direction).Observe(duration.Seconds())
}

// SetQueueDepth sets the current number of queued propagation tasks.
func (m *Metrics) SetQueueDepth(count int) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(float64(count))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
