// Package telemetry provides the orchestrator's Prometheus metrics and
// OpenTelemetry tracing, grounded on internal/observability/metrics.go and
// tracing.go. The metric and span surface is scoped to this system's own
// components (process manager, issue engine, storage) rather than that
// package's channel/LLM/webhook surface, but the construction idiom
// (promauto-registered vectors on a single struct; an OTLP-backed Tracer
// with a no-op fallback when unconfigured) is unchanged.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized collection of the orchestrator's counters,
// gauges, and histograms, all registered on promauto's default registry.
type Metrics struct {
	// ExecutionsStarted counts spawn attempts by engine type.
	// Labels: engine
	ExecutionsStarted *prometheus.CounterVec

	// ExecutionsSettled counts terminal executions by engine and final
	// status (completed|failed|cancelled).
	// Labels: engine, status
	ExecutionsSettled *prometheus.CounterVec

	// ExecutionDuration measures spawn-to-settle wall time in seconds.
	// Labels: engine
	ExecutionDuration *prometheus.HistogramVec

	// ActiveExecutions is a gauge of in-flight executions.
	// Labels: engine
	ActiveExecutions *prometheus.GaugeVec

	// ProcessGCRemoved counts terminal process-manager entries reaped by
	// the GC sweep.
	// Labels: group
	ProcessGCRemoved *prometheus.CounterVec

	// ProcessSessionLimitHits counts Register calls rejected by a group's
	// concurrency cap (spec.md §4.5).
	// Labels: group
	ProcessSessionLimitHits *prometheus.CounterVec

	// StorageQueryDuration measures persistence-layer call latency.
	// Labels: operation
	StorageQueryDuration *prometheus.HistogramVec

	// PendingQueueDepth is a gauge of undispatched pending messages per
	// issue, set when an execution collects its pending messages and reset
	// to 0 after they are dispatched; enqueueing does not update it.
	// Labels: issue_id
	PendingQueueDepth *prometheus.GaugeVec

	// FilterRulesReloaded counts successful hot-reloads of the write-filter
	// rule file.
	FilterRulesReloaded prometheus.Counter

	// FilterRuleReloadErrors counts failed hot-reload attempts.
	FilterRuleReloadErrors prometheus.Counter
}

// NewMetrics constructs and registers every metric. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_executions_started_total",
				Help: "Total number of engine executions spawned, by engine type",
			},
			[]string{"engine"},
		),
		ExecutionsSettled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_executions_settled_total",
				Help: "Total number of engine executions that reached a terminal status",
			},
			[]string{"engine", "status"},
		),
		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_execution_duration_seconds",
				Help:    "Wall time from spawn to settlement",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"engine"},
		),
		ActiveExecutions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_executions",
				Help: "Current number of in-flight executions, by engine type",
			},
			[]string{"engine"},
		),
		ProcessGCRemoved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_process_gc_removed_total",
				Help: "Total number of terminal process-manager entries removed by the GC sweep",
			},
			[]string{"group"},
		),
		ProcessSessionLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_process_session_limit_hits_total",
				Help: "Total number of Register calls rejected by a group concurrency cap",
			},
			[]string{"group"},
		),
		StorageQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_storage_query_duration_seconds",
				Help:    "Duration of persistence-layer calls",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		PendingQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_pending_queue_depth",
				Help: "Undispatched pending messages per issue",
			},
			[]string{"issue_id"},
		),
		FilterRulesReloaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_filter_rules_reloaded_total",
			Help: "Total number of successful write-filter-rule hot reloads",
		}),
		FilterRuleReloadErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_filter_rule_reload_errors_total",
			Help: "Total number of failed write-filter-rule hot reload attempts",
		}),
	}
}

// ExecutionStarted records a spawn and increments the active gauge.
func (m *Metrics) ExecutionStarted(engine string) {
	if m == nil {
		return
	}
	m.ExecutionsStarted.WithLabelValues(engine).Inc()
	m.ActiveExecutions.WithLabelValues(engine).Inc()
}

// ExecutionSettled records a terminal status, decrements the active gauge,
// and observes the execution's duration.
func (m *Metrics) ExecutionSettled(engine, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsSettled.WithLabelValues(engine, status).Inc()
	m.ActiveExecutions.WithLabelValues(engine).Dec()
	m.ExecutionDuration.WithLabelValues(engine).Observe(durationSeconds)
}

// ProcessGCSwept records entries reaped in one GC pass.
func (m *Metrics) ProcessGCSwept(group string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ProcessGCRemoved.WithLabelValues(group).Add(float64(count))
}

// ProcessSessionLimitHit records a rejected Register call.
func (m *Metrics) ProcessSessionLimitHit(group string) {
	if m == nil {
		return
	}
	m.ProcessSessionLimitHits.WithLabelValues(group).Inc()
}

// StorageQueryObserved records a persistence-layer call's latency.
func (m *Metrics) StorageQueryObserved(operation string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StorageQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// PendingQueueDepthSet records the current depth for one issue's queue.
func (m *Metrics) PendingQueueDepthSet(issueID string, depth int) {
	if m == nil {
		return
	}
	m.PendingQueueDepth.WithLabelValues(issueID).Set(float64(depth))
}

// FilterReloadSucceeded records a successful hot reload.
func (m *Metrics) FilterReloadSucceeded() {
	if m == nil {
		return
	}
	m.FilterRulesReloaded.Inc()
}

// FilterReloadFailed records a failed hot reload.
func (m *Metrics) FilterReloadFailed() {
	if m == nil {
		return
	}
	m.FilterRuleReloadErrors.Inc()
}
