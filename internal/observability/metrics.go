// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Search metrics
	TrialsTotal   *prometheus.CounterVec
	BestObjective *prometheus.GaugeVec

	// Walk-forward metrics
	WindowsTotal *prometheus.CounterVec

	// Allocation metrics
	AllocatedCapital *prometheus.GaugeVec

	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	ActiveJobs  prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "strategy_lab"
	}
	f := promauto.With(reg)

	return &Metrics{
		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total backtest executions by stage and status",
		}, []string{"stage", "status"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Backtest execution latency by stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),

		TrialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "trials_total",
			Help:      "Total search trials by sampler and state",
		}, []string{"sampler", "state"}),
		BestObjective: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "best_objective",
			Help:      "Best objective value seen per study",
		}, []string{"study"}),

		WindowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walkforward",
			Name:      "windows_total",
			Help:      "Walk-forward windows by status",
		}, []string{"status"}),

		AllocatedCapital: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "allocated_capital",
			Help:      "Capital allocated to each strategy by the latest allocation",
		}, []string{"strategy", "method"}),

		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by phase and status",
		}, []string{"phase", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration by phase",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"phase"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently running in the service",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// RecordExecution records one executor call.
func RecordExecution(stage string, err error, seconds float64) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	DefaultMetrics.ExecutionsTotal.WithLabelValues(stage, status).Inc()
	DefaultMetrics.ExecutionDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordTrial records a finished search trial.
func RecordTrial(sampler, state string) {
	DefaultMetrics.TrialsTotal.WithLabelValues(sampler, state).Inc()
}

// UpdateBestObjective sets the best objective gauge of a study.
func UpdateBestObjective(study string, value float64) {
	DefaultMetrics.BestObjective.WithLabelValues(study).Set(value)
}

// RecordWindow records a walk-forward window outcome.
func RecordWindow(status string) {
	DefaultMetrics.WindowsTotal.WithLabelValues(status).Inc()
}

// RecordAllocation publishes per-strategy capital.
func RecordAllocation(method string, allocations map[string]float64) {
	for name, capital := range allocations {
		DefaultMetrics.AllocatedCapital.WithLabelValues(name, method).Set(capital)
	}
}

// RecordRun records a pipeline run.
func RecordRun(phase, status string, durationSeconds float64) {
	DefaultMetrics.RunsTotal.WithLabelValues(phase, status).Inc()
	DefaultMetrics.RunDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// JobStarted increments the active jobs gauge; call the returned func when done.
func JobStarted() func() {
	DefaultMetrics.ActiveJobs.Inc()
	return DefaultMetrics.ActiveJobs.Dec
}
