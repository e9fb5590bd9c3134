// Package metrics holds the Prometheus collectors and tracing helpers used
// by the engine. Collectors register on the default registry at init.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatched counts dispatches by phase (primary, retry, fallback).
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_tasks_dispatched_total",
		Help: "Task attempts handed to a worker, by phase",
	}, []string{"phase"})

	// TaskRetries counts scheduled retries.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_task_retries_total",
		Help: "Retries scheduled after a task failure",
	})

	// TaskFallbacks counts fallback assignments.
	TaskFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_task_fallbacks_total",
		Help: "Tasks reassigned to a fallback worker",
	})

	// TaskOutcomes counts terminal task states.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_task_outcomes_total",
		Help: "Tasks reaching a terminal state, by status",
	}, []string{"status"})

	// BudgetDenials counts denied reservations by adaptation policy.
	BudgetDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_budget_denials_total",
		Help: "Budget reservations denied, by adaptation policy",
	}, []string{"policy"})

	// BudgetConsumed accumulates committed budget units.
	BudgetConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_budget_consumed_total",
		Help: "Budget units committed across all workflows",
	})

	// Compensations counts compensation attempts by result.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_compensations_total",
		Help: "Compensating actions, by result (compensated, failed, skipped)",
	}, []string{"result"})

	// WorkflowsFinished counts workflows reaching a terminal status.
	WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_workflows_finished_total",
		Help: "Workflows reaching a terminal status",
	}, []string{"status"})

	// WorkflowsActive tracks workflows currently owned by a scheduler loop.
	WorkflowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_workflows_active",
		Help: "Workflows currently running in this process",
	})

	// WorkflowsArchived counts workflows marked archived by the archiver.
	WorkflowsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_workflows_archived_total",
		Help: "Terminal workflows archived after the retention window",
	})

	// TaskDuration tracks the wall time of a single attempt.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_task_duration_seconds",
		Help:    "Duration of a single task attempt, by result",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	}, []string{"result"})
)

// ObserveAttempt records one attempt's duration.
func ObserveAttempt(result string, started time.Time) {
	if started.IsZero() {
		return
	}
	TaskDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
}
