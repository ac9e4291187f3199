package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for hubctl.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	activeOperations    prometheus.Gauge

	// Attempt metrics
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retryWait       *prometheus.HistogramVec

	// Diagnostic metrics
	diagnosticChecks *prometheus.CounterVec

	// Probe metrics
	probeCalls    *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	probeErrors   *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Every recorder is a no-op
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations started",
			},
			[]string{"principal_kind"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations by terminal state",
			},
			[]string{"state"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Wall time from first attempt to terminal state",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
			},
			[]string{"state"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of operations in flight",
			},
		),

		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of mutation attempts by outcome and failure class",
			},
			[]string{"outcome", "class"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of a single mutation attempt",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		retryWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_wait_seconds",
				Help:      "Scheduled wait before the next attempt",
				Buckets:   []float64{1, 15, 30, 60, 120, 240, 480, 960},
			},
			[]string{"class"},
		),

		diagnosticChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnostic_checks_total",
				Help:      "Diagnostic check verdicts",
			},
			[]string{"check", "verdict"},
		),

		probeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_calls_total",
				Help:      "Total number of read-only probe calls",
			},
			[]string{"probe"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_call_duration_seconds",
				Help:      "Duration of probe calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"probe"},
		),
		probeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_errors_total",
				Help:      "Total number of failed probe calls",
			},
			[]string{"probe"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Policy violations and warnings by policy",
			},
			[]string{"policy", "severity"},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.activeOperations,
		m.attempts,
		m.attemptDuration,
		m.retryWait,
		m.diagnosticChecks,
		m.probeCalls,
		m.probeDuration,
		m.probeErrors,
		m.policyViolations,
	)

	return m, nil
}

// Operation Metrics

// RecordOperationStarted increments the started counter and the in-flight gauge.
func (m *Metrics) RecordOperationStarted(principalKind string) {
	if m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(principalKind).Inc()
	m.activeOperations.Inc()
}

// RecordOperationCompleted records a terminal state and its duration.
func (m *Metrics) RecordOperationCompleted(state string, duration time.Duration) {
	if m.operationsCompleted == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(state).Inc()
	m.operationDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// Attempt Metrics

// RecordAttempt records one attempt. class is empty for successes.
func (m *Metrics) RecordAttempt(outcome, class string, duration time.Duration) {
	if m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(outcome, class).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetry records a scheduled wait.
func (m *Metrics) RecordRetry(class string, delay time.Duration) {
	if m.retryWait == nil {
		return
	}
	m.retryWait.WithLabelValues(class).Observe(delay.Seconds())
}

// Diagnostic Metrics

// RecordDiagnosticCheck records the verdict of one diagnostic check.
func (m *Metrics) RecordDiagnosticCheck(check, verdict string) {
	if m.diagnosticChecks == nil {
		return
	}
	m.diagnosticChecks.WithLabelValues(check, verdict).Inc()
}

// Probe Metrics

// RecordProbeCall records a probe call with its duration.
func (m *Metrics) RecordProbeCall(probe string, duration time.Duration, err error) {
	if m.probeCalls == nil {
		return
	}
	m.probeCalls.WithLabelValues(probe).Inc()
	m.probeDuration.WithLabelValues(probe).Observe(duration.Seconds())
	if err != nil {
		m.probeErrors.WithLabelValues(probe).Inc()
	}
}

// Policy Metrics

// RecordPolicyViolation records a policy violation or warning.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
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

// Registry returns the registry backing the metrics, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It is a no-op
// when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(errorf func(format string, args ...interface{})) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorf("metrics server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}
