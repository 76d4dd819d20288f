package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the campaign engine
type Metrics struct {
	// Send counters
	SendsTotal          *prometheus.CounterVec
	SendFailuresTotal   *prometheus.CounterVec
	SendDurationSeconds prometheus.Histogram

	// Scheduler
	SchedulerRunsTotal *prometheus.CounterVec
	Recipients         *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry

	collectorMu sync.RWMutex
	collector   *Collector
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_sends_total",
				Help: "Total number of send attempts by outcome",
			},
			[]string{"outcome"},
		),
		SendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_send_failures_total",
				Help: "Total number of failed send attempts by error type",
			},
			[]string{"error_type"},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "followup_send_duration_seconds",
				Help:    "Time spent handing one message to the mail transport",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
		),

		SchedulerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_scheduler_runs_total",
				Help: "Total number of scheduled batches by result",
			},
			[]string{"result"},
		),
		Recipients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "followup_recipients",
				Help: "Number of recipients by status",
			},
			[]string{"status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "followup_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "followup_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "followup_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "followup_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "followup_storage_used_bytes",
				Help: "State database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendFailuresTotal,
		m.SendDurationSeconds,
		m.SchedulerRunsTotal,
		m.Recipients,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) attach(c *Collector) {
	m.collectorMu.Lock()
	m.collector = c
	m.collectorMu.Unlock()
}

func (m *Metrics) shadow() *Collector {
	m.collectorMu.RLock()
	defer m.collectorMu.RUnlock()
	return m.collector
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncSends increments the send attempt counter
func IncSends(outcome string) {
	m := Global()
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(outcome).Inc()
	if c := m.shadow(); c != nil {
		c.track(&c.counters.Sends, outcome)
	}
}

// IncSendFailures increments the failed send counter
func IncSendFailures(errorType string) {
	m := Global()
	if m == nil {
		return
	}
	m.SendFailuresTotal.WithLabelValues(errorType).Inc()
	if c := m.shadow(); c != nil {
		c.track(&c.counters.SendFailures, errorType)
	}
}

// ObserveSendDuration records how long a transport call took
func ObserveSendDuration(seconds float64) {
	if m := Global(); m != nil {
		m.SendDurationSeconds.Observe(seconds)
	}
}

// IncSchedulerRuns increments the scheduled batch counter
func IncSchedulerRuns(result string) {
	m := Global()
	if m == nil {
		return
	}
	m.SchedulerRunsTotal.WithLabelValues(result).Inc()
	if c := m.shadow(); c != nil {
		c.track(&c.counters.SchedulerRuns, result)
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
