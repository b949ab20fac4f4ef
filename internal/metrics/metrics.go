// Package metrics provides Prometheus-based metrics collection for meltscan.
// It tracks scan sessions, individual probes, discovery sweeps, storage
// operations and the HTTP API using the standard Prometheus client library.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all meltscan metrics
	namespace = "meltscan"

	// Subsystems
	subsystemScan      = "scan"
	subsystemProbe     = "probe"
	subsystemDiscovery = "discovery"
	subsystemDatabase  = "database"
	subsystemSystem    = "system"
	subsystemAPI       = "api"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// Scan session metrics
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	resultsTotal    *prometheus.CounterVec
	activeSessions  prometheus.Gauge

	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	rawCapability prometheus.Gauge

	// Discovery metrics
	sweepsTotal     *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	hostsAliveTotal *prometheus.CounterVec

	// Database metrics
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbConnections   prometheus.Gauge

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// New creates a new metrics instance with all collectors registered on a
// private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,
	}

	m.initScanMetrics()
	m.initProbeMetrics()
	m.initDiscoveryMetrics()
	m.initDatabaseMetrics()
	m.initAPIMetrics()
	m.initSystemMetrics()

	m.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// initScanMetrics initializes scan session metrics.
func (m *Metrics) initScanMetrics() {
	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "sessions_total",
			Help:      "Total number of scan sessions by final status",
		},
		[]string{"status"},
	)

	m.sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "session_duration_seconds",
			Help:      "Duration of scan sessions in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
	)

	m.resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "results_total",
			Help:      "Total number of scan results by inferred port state",
		},
		[]string{"state"},
	)

	m.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "sessions_active",
			Help:      "Number of currently running scan sessions",
		},
	)
}

// initProbeMetrics initializes per-probe metrics.
func (m *Metrics) initProbeMetrics() {
	m.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Total number of probes by protocol, mode and inferred state",
		},
		[]string{"protocol", "mode", "state"},
	)

	m.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Duration of individual probes in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"protocol", "mode"},
	)

	m.rawCapability = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "raw_capability",
			Help:      "Whether raw socket probing is available (1) or not (0)",
		},
	)
}

// initDiscoveryMetrics initializes discovery sweep metrics.
func (m *Metrics) initDiscoveryMetrics() {
	m.sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "sweeps_total",
			Help:      "Total number of discovery sweeps by status",
		},
		[]string{"status"},
	)

	m.sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of discovery sweeps in seconds",
			Buckets:   []float64{0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0},
		},
	)

	m.hostsAliveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "hosts_alive_total",
			Help:      "Total number of live hosts found per network",
		},
		[]string{"network"},
	)
}

// initDatabaseMetrics initializes scan-history storage metrics.
func (m *Metrics) initDatabaseMetrics() {
	m.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	m.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	m.dbConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)
}

// initAPIMetrics initializes HTTP API metrics.
func (m *Metrics) initAPIMetrics() {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
	)
}

// initSystemMetrics initializes process-level metrics.
func (m *Metrics) initSystemMetrics() {
	m.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	m.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry.
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.sessionsTotal)
	m.registry.MustRegister(m.sessionDuration)
	m.registry.MustRegister(m.resultsTotal)
	m.registry.MustRegister(m.activeSessions)

	m.registry.MustRegister(m.probesTotal)
	m.registry.MustRegister(m.probeDuration)
	m.registry.MustRegister(m.rawCapability)

	m.registry.MustRegister(m.sweepsTotal)
	m.registry.MustRegister(m.sweepDuration)
	m.registry.MustRegister(m.hostsAliveTotal)

	m.registry.MustRegister(m.dbQueries)
	m.registry.MustRegister(m.dbQueryDuration)
	m.registry.MustRegister(m.dbConnections)

	m.registry.MustRegister(m.httpRequests)
	m.registry.MustRegister(m.httpDuration)

	m.registry.MustRegister(m.memoryUsage)
	m.registry.MustRegister(m.goroutines)
	m.registry.MustRegister(m.uptime)
}

// GetRegistry returns the Prometheus registry for the HTTP handler.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Scan Session Metrics Methods

// IncrementSessionsTotal increments the session counter for a final status.
func (m *Metrics) IncrementSessionsTotal(status string) {
	m.sessionsTotal.WithLabelValues(status).Inc()
}

// RecordSessionDuration records how long a scan session ran.
func (m *Metrics) RecordSessionDuration(duration time.Duration) {
	m.sessionDuration.Observe(duration.Seconds())
}

// IncrementResults increments the result counter for an inferred state.
func (m *Metrics) IncrementResults(state string) {
	m.resultsTotal.WithLabelValues(state).Inc()
}

// SetActiveSessions sets the number of running scan sessions.
func (m *Metrics) SetActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// Probe Metrics Methods

// ObserveProbe records a completed probe with its outcome.
func (m *Metrics) ObserveProbe(protocol, mode, state string, duration time.Duration) {
	m.probesTotal.WithLabelValues(protocol, mode, state).Inc()
	m.probeDuration.WithLabelValues(protocol, mode).Observe(duration.Seconds())
}

// SetRawCapability records whether raw socket probing is available.
func (m *Metrics) SetRawCapability(available bool) {
	if available {
		m.rawCapability.Set(1)
	} else {
		m.rawCapability.Set(0)
	}
}

// Discovery Metrics Methods

// IncrementSweepsTotal increments the discovery sweep counter.
func (m *Metrics) IncrementSweepsTotal(status string) {
	m.sweepsTotal.WithLabelValues(status).Inc()
}

// RecordSweepDuration records the duration of a discovery sweep.
func (m *Metrics) RecordSweepDuration(duration time.Duration) {
	m.sweepDuration.Observe(duration.Seconds())
}

// AddHostsAlive adds to the live host counter for a network.
func (m *Metrics) AddHostsAlive(network string, count int) {
	m.hostsAliveTotal.WithLabelValues(network).Add(float64(count))
}

// Database Metrics Methods

// IncrementDatabaseQueries increments the database query counter.
func (m *Metrics) IncrementDatabaseQueries(operation, status string) {
	m.dbQueries.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseQueryDuration records a database query duration.
func (m *Metrics) RecordDatabaseQueryDuration(operation string, duration time.Duration) {
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveConnections sets the number of active database connections.
func (m *Metrics) SetActiveConnections(count int) {
	m.dbConnections.Set(float64(count))
}

// API Metrics Methods

// IncrementHTTPRequests increments the HTTP request counter.
func (m *Metrics) IncrementHTTPRequests(method, path, status string) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records an HTTP request duration.
func (m *Metrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryUsage.Set(float64(memStats.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.uptime.Set(time.Since(m.startTime).Seconds())

	m.lastUpdate = time.Now()
}

// GetUptime returns the application uptime.
func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// GetLastUpdate returns the last metrics update time.
func (m *Metrics) GetLastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// StartPeriodicUpdates starts a loop that periodically updates system
// metrics until the context is canceled.
func (m *Metrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *Metrics
var metricsOnce sync.Once

// Global returns the global metrics instance.
func Global() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New()
	})
	return globalMetrics
}

// Convenience functions using the global instance

// IncrementSessionsTotal increments the session counter using global metrics.
func IncrementSessionsTotal(status string) {
	Global().IncrementSessionsTotal(status)
}

// RecordSessionDuration records a session duration using global metrics.
func RecordSessionDuration(duration time.Duration) {
	Global().RecordSessionDuration(duration)
}

// IncrementResults increments the result counter using global metrics.
func IncrementResults(state string) {
	Global().IncrementResults(state)
}

// ObserveProbe records a probe outcome using global metrics.
func ObserveProbe(protocol, mode, state string, duration time.Duration) {
	Global().ObserveProbe(protocol, mode, state, duration)
}

// SetRawCapability records raw probing availability using global metrics.
func SetRawCapability(available bool) {
	Global().SetRawCapability(available)
}

// RecordDatabaseQuery records database query metrics using global metrics.
func RecordDatabaseQuery(operation string, duration time.Duration, success bool) {
	m := Global()
	status := "success"
	if !success {
		status = "error"
	}
	m.IncrementDatabaseQueries(operation, status)
	m.RecordDatabaseQueryDuration(operation, duration)
}
