// Package telemetry exposes Prometheus metrics for the LIS server: HTTP
// request metrics, Data Store call counters, reconciling-writer outcomes and
// the pipeline counters (runs, reagent updates, cascade deletes). All
// recording methods are safe on a nil *Metrics so callers can run without
// metrics wired in.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the metric naming parameters.
type Config struct {
	Namespace   string
	ServiceName string
	// RuntimeCollectors registers the Go and process collectors.
	RuntimeCollectors bool
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "lis"
	}
	if c.ServiceName == "" {
		c.ServiceName = "lis-server"
	}
}

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics owns a private registry and every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	storeRequests *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	writeOutcomes *prometheus.CounterVec
	runs          *prometheus.CounterVec
	reagents      *prometheus.CounterVec
	cascades      *prometheus.CounterVec
	archive       *prometheus.CounterVec
}

// New builds and registers the collectors.
func New(cfg Config) *Metrics {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": cfg.ServiceName}
	ns := cfg.Namespace

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.", ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", ConstLabels: constLabels, Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "http", Name: "active_requests",
			Help: "HTTP requests currently being served.", ConstLabels: constLabels,
		}),
		storeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "store", Name: "requests_total",
			Help: "Data Store calls by operation and outcome.", ConstLabels: constLabels,
		}, []string{"op", "outcome"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "store", Name: "request_duration_seconds",
			Help: "Data Store call latency.", ConstLabels: constLabels, Buckets: defaultDurationBuckets,
		}, []string{"op"}),
		writeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "writer", Name: "outcomes_total",
			Help: "Reconciling writer results by operation and the step that settled it.", ConstLabels: constLabels,
		}, []string{"op", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "runs_total",
			Help: "Test runs by outcome.", ConstLabels: constLabels,
		}, []string{"outcome"}),
		reagents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "reagent_updates_total",
			Help: "Reagent ledger entries by status.", ConstLabels: constLabels,
		}, []string{"status"}),
		cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "cascade_deletes_total",
			Help: "Records removed by the cascade deleter, by entity and outcome.", ConstLabels: constLabels,
		}, []string{"entity", "outcome"}),
		archive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "archive", Name: "writes_total",
			Help: "Encoded message archive writes by outcome.", ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.httpRequests, m.httpDuration, m.httpInFlight,
		m.storeRequests, m.storeDuration, m.writeOutcomes,
		m.runs, m.reagents, m.cascades, m.archive,
	)
	if cfg.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ---------------------------------------------------------------------------
// Pipeline recorders
// ---------------------------------------------------------------------------

// RunFinished counts one run by outcome (completed, rejected, failed...).
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// StoreCall matches store.Hook and records one Data Store call.
func (m *Metrics) StoreCall(op, _ string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeRequests.WithLabelValues(op, outcome).Inc()
	m.storeDuration.WithLabelValues(op).Observe(took.Seconds())
}

// WriteOutcome matches the reconciling writer observer.
func (m *Metrics) WriteOutcome(op, outcome string) {
	if m == nil {
		return
	}
	m.writeOutcomes.WithLabelValues(op, outcome).Inc()
}

// ReagentUpdate counts one reagent ledger entry by status.
func (m *Metrics) ReagentUpdate(status string) {
	if m == nil {
		return
	}
	m.reagents.WithLabelValues(status).Inc()
}

// CascadeDelete counts one cascade sub-step.
func (m *Metrics) CascadeDelete(entity string, ok bool) {
	if m == nil {
		return
	}
	outcome := "deleted"
	if !ok {
		outcome = "failed"
	}
	m.cascades.WithLabelValues(entity, outcome).Inc()
}

// ArchiveWrite counts one message archive write.
func (m *Metrics) ArchiveWrite(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.archive.WithLabelValues(outcome).Inc()
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Middleware returns an Echo middleware that records request metrics keyed by
// the route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInFlight.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let the error handler write the status before it is read.
				c.Error(err)
			}

			m.httpInFlight.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)
			m.httpRequests.WithLabelValues(method, route, status).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return echo.WrapHandler(promhttp.Handler())
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}
