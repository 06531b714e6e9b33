package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	namespace string

	// Application metrics
	AppInfo                *prometheus.GaugeVec
	AppUptimeSeconds       prometheus.Counter
	AppStartTimeSeconds    prometheus.Gauge
	AppGoGoroutines        prometheus.Gauge
	AppGoThreads           prometheus.Gauge
	AppGoGCDurationSeconds prometheus.Summary

	// HTTP metrics
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	HTTPRequestSizeBytes       *prometheus.HistogramVec
	HTTPResponseSizeBytes      *prometheus.HistogramVec
	HTTPRequestsInFlight       *prometheus.GaugeVec

	// Health check metrics
	HealthCheckStatus               *prometheus.GaugeVec
	HealthCheckDurationSeconds      *prometheus.HistogramVec
	HealthCheckLastSuccessTimestamp *prometheus.GaugeVec
	HealthCheckFailuresTotal        *prometheus.CounterVec

	// Lock operation metrics
	LockOperationsTotal *prometheus.CounterVec

	// Push metrics
	PushAttemptsTotal   *prometheus.CounterVec
	PushDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// Bucket layouts shared by the duration histograms.
var (
	httpDurationBuckets   = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	healthDurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1}
	pushDurationBuckets   = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	sizeBuckets           = prometheus.ExponentialBuckets(100, 10, 7)
)

// factory creates namespaced collectors registered on one registry.
type factory struct {
	namespace string
	auto      promauto.Factory
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	return f.auto.NewGauge(prometheus.GaugeOpts{Namespace: f.namespace, Name: name, Help: help})
}

func (f factory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return f.auto.NewGaugeVec(prometheus.GaugeOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
}

func (f factory) counter(name, help string) prometheus.Counter {
	return f.auto.NewCounter(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help})
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return f.auto.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
}

func (f factory) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return f.auto.NewHistogramVec(prometheus.HistogramOpts{Namespace: f.namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

// NewMetrics creates a new Metrics instance with its own registry, so
// several instances can live in one process.
func NewMetrics(namespace string, buildInfo map[string]string) *Metrics {
	registry := prometheus.NewRegistry()
	f := factory{namespace: namespace, auto: promauto.With(registry)}

	m := &Metrics{
		namespace: namespace,
		registry:  registry,

		AppInfo:             f.gaugeVec("app_info", "Application build information", "version", "commit", "build_date", "go_version"),
		AppUptimeSeconds:    f.counter("app_uptime_seconds", "Application uptime in seconds"),
		AppStartTimeSeconds: f.gauge("app_start_time_seconds", "Unix timestamp of service start"),
		AppGoGoroutines:     f.gauge("app_go_goroutines", "Number of goroutines"),
		AppGoThreads:        f.gauge("app_go_threads", "Number of OS threads"),
		AppGoGCDurationSeconds: f.auto.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "app_go_gc_duration_seconds",
			Help:      "GC pause durations",
		}),

		HTTPRequestsTotal:          f.counterVec("http_requests_total", "Total number of HTTP requests", "method", "path", "status"),
		HTTPRequestDurationSeconds: f.histogramVec("http_request_duration_seconds", "HTTP request duration in seconds", httpDurationBuckets, "method", "path", "status"),
		HTTPRequestSizeBytes:       f.histogramVec("http_request_size_bytes", "HTTP request size in bytes", sizeBuckets, "method", "path"),
		HTTPResponseSizeBytes:      f.histogramVec("http_response_size_bytes", "HTTP response size in bytes", sizeBuckets, "method", "path"),
		HTTPRequestsInFlight:       f.gaugeVec("http_requests_in_flight", "Current number of HTTP requests being processed", "method", "path"),

		HealthCheckStatus:               f.gaugeVec("health_check_status", "Health check status (1 for healthy, 0 for unhealthy)", "check_name", "status"),
		HealthCheckDurationSeconds:      f.histogramVec("health_check_duration_seconds", "Health check duration in seconds", healthDurationBuckets, "check_name"),
		HealthCheckLastSuccessTimestamp: f.gaugeVec("health_check_last_success_timestamp", "Unix timestamp of last successful health check", "check_name"),
		HealthCheckFailuresTotal:        f.counterVec("health_check_failures_total", "Total number of health check failures", "check_name"),

		LockOperationsTotal: f.counterVec("lock_operations_total", "Lock, unlock and status requests by operation and outcome", "operation", "status"),

		PushAttemptsTotal:   f.counterVec("push_attempts_total", "Push attempts by flow and outcome", "flow", "outcome"),
		PushDurationSeconds: f.histogramVec("push_duration_seconds", "Push attempt duration in seconds", pushDurationBuckets, "flow"),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.AppInfo.WithLabelValues(
		buildInfo["version"],
		buildInfo["commit"],
		buildInfo["date"],
		runtime.Version(),
	).Set(1)
	m.AppStartTimeSeconds.Set(float64(time.Now().Unix()))

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateRuntimeMetrics updates the runtime metrics (goroutines, threads, GC).
func (m *Metrics) UpdateRuntimeMetrics() {
	m.AppGoGoroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	// GOMAXPROCS stands in for the thread count; the runtime has no direct API.
	m.AppGoThreads.Set(float64(runtime.GOMAXPROCS(0)))

	if memStats.NumGC > 0 {
		gcPause := float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / 1e9
		m.AppGoGCDurationSeconds.Observe(gcPause)
	}
}

// RecordLockOperation counts a lock, unlock or status request by outcome.
func (m *Metrics) RecordLockOperation(operation, status string) {
	m.LockOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordPushAttempt records one push attempt. Unconstrained pushes use the
// flow label "any".
func (m *Metrics) RecordPushAttempt(flow, outcome string, duration time.Duration) {
	m.PushAttemptsTotal.WithLabelValues(flow, outcome).Inc()
	m.PushDurationSeconds.WithLabelValues(flow).Observe(duration.Seconds())
}
