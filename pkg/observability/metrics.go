package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are process-wide Prometheus counters. They are registered once on
// the default registry and exposed by the server's /metrics handler.
var (
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotse_pipeline_runs_total",
		Help: "Completed pipeline runs by final status.",
	}, []string{"status"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotse_store_errors_total",
		Help: "Store gateway errors by store and category.",
	}, []string{"store", "category"})

	ProgressDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotse_progress_events_dropped_total",
		Help: "Progress events dropped on slow subscribers.",
	})

	OverflowApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotse_budget_overflow_total",
		Help: "Token budget overflow strategies applied.",
	}, []string{"strategy"})

	AgentDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotse_agent_dispatches_total",
		Help: "Agent dispatches by agent id and outcome.",
	}, []string{"agent", "status"})
)
