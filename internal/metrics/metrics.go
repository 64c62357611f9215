// Package metrics exposes reactorcore's Prometheus metrics. Grounded on the
// teacher's (JeelKantaria-db-bouncer) internal/metrics/metrics.go Collector
// shape, with the tenant-keyed series replaced by the single-pool,
// single-backend domain spec.md describes: worker pool queue depth and
// admission rejections, DB pool idle/leased/total, framing protocol errors,
// and backend health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for reactorcore.
type Collector struct {
	Registry *prometheus.Registry

	// Worker pool (internal/workerpool).
	tasksSubmitted prometheus.Counter
	tasksRejected  prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksInFlight  prometheus.Gauge
	queueWaiting   prometheus.Gauge
	taskDuration   prometheus.Histogram

	// DB pool (internal/dbpool).
	dbPoolIdle   prometheus.Gauge
	dbPoolLeased prometheus.Gauge
	dbPoolTotal  prometheus.Gauge
	checkOutWait prometheus.Histogram

	// Framing (internal/framing) / I/O engine (internal/ioengine).
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	protocolErrors      prometheus.Counter

	// Backend health (internal/health).
	backendHealth       prometheus.Gauge
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactorcore_worker_tasks_submitted_total",
			Help: "Total tasks accepted by the worker pool.",
		}),
		tasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactorcore_worker_tasks_rejected_total",
			Help: "Total tasks rejected under admission control.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactorcore_worker_tasks_completed_total",
			Help: "Total tasks that finished running (including recovered panics).",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactorcore_worker_tasks_in_flight",
			Help: "Tasks currently executing across all worker goroutines.",
		}),
		queueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactorcore_worker_queue_depth",
			Help: "Tasks currently queued, waiting for a free worker.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reactorcore_worker_task_duration_seconds",
			Help:    "Duration of a single worker pool task.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),

		dbPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactorcore_dbpool_idle_connections",
			Help: "Idle connections currently sitting in the DB pool.",
		}),
		dbPoolLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactorcore_dbpool_leased_connections",
			Help: "Connections currently checked out of the DB pool.",
		}),
		dbPoolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactorcore_dbpool_total_connections",
			Help: "Total connections owned by the DB pool (idle + leased).",
		}),
		checkOutWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reactorcore_dbpool_checkout_wait_seconds",
			Help:    "Time spent blocked in dbpool.Pool.CheckOut.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactorcore_connections_accepted_total",
			Help: "TCP connections accepted by the I/O engine.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactorcore_connections_closed_total",
			Help: "TCP connections closed by the I/O engine.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactorcore_framing_protocol_errors_total",
			Help: "Messages rejected by the framing state machine (bad length prefix, oversized message, embedded garbage).",
		}),

		backendHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactorcore_backend_health",
			Help: "Health of the configured MySQL backend (1=healthy, 0=unhealthy).",
		}),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reactorcore_health_check_duration_seconds",
				Help:    "Duration of backend health check probes.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactorcore_health_check_errors_total",
				Help: "Health check errors by cause.",
			},
			[]string{"error_type"},
		),
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksRejected,
		c.tasksCompleted,
		c.tasksInFlight,
		c.queueWaiting,
		c.taskDuration,
		c.dbPoolIdle,
		c.dbPoolLeased,
		c.dbPoolTotal,
		c.checkOutWait,
		c.connectionsAccepted,
		c.connectionsClosed,
		c.protocolErrors,
		c.backendHealth,
		c.healthCheckDuration,
		c.healthCheckErrors,
	)

	return c
}

// TaskSubmitted increments the accepted-task counter.
func (c *Collector) TaskSubmitted() { c.tasksSubmitted.Inc() }

// TaskRejected increments the admission-control rejection counter.
func (c *Collector) TaskRejected() { c.tasksRejected.Inc() }

// TaskCompleted records a finished task's duration.
func (c *Collector) TaskCompleted(d time.Duration) {
	c.tasksCompleted.Inc()
	c.taskDuration.Observe(d.Seconds())
}

// SetTasksInFlight sets the current in-flight task gauge.
func (c *Collector) SetTasksInFlight(n int) { c.tasksInFlight.Set(float64(n)) }

// SetQueueDepth sets the current queue depth gauge.
func (c *Collector) SetQueueDepth(n int) { c.queueWaiting.Set(float64(n)) }

// UpdateDBPoolStats sets the DB pool gauges from a dbpool.Stats snapshot.
func (c *Collector) UpdateDBPoolStats(idle, leased, total int) {
	c.dbPoolIdle.Set(float64(idle))
	c.dbPoolLeased.Set(float64(leased))
	c.dbPoolTotal.Set(float64(total))
}

// CheckOutWait observes time spent blocked acquiring a DB pool connection.
func (c *Collector) CheckOutWait(d time.Duration) {
	c.checkOutWait.Observe(d.Seconds())
}

// ConnectionAccepted increments the accepted-connection counter.
func (c *Collector) ConnectionAccepted() { c.connectionsAccepted.Inc() }

// ConnectionClosed increments the closed-connection counter.
func (c *Collector) ConnectionClosed() { c.connectionsClosed.Inc() }

// ProtocolError increments the framing protocol-error counter.
func (c *Collector) ProtocolError() { c.protocolErrors.Inc() }

// SetBackendHealth sets the backend health gauge.
func (c *Collector) SetBackendHealth(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.backendHealth.Set(val)
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by cause.
func (c *Collector) HealthCheckError(errorType string) {
	c.healthCheckErrors.WithLabelValues(errorType).Inc()
}
