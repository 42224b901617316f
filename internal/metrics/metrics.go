// Package metrics holds the Prometheus collectors shared by the bridge,
// the affinity loop and the reconcile pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billing_bridge"

// Task outcomes used as label values.
const (
	OutcomeResolved  = "resolved"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

var (
	tasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_started_total",
		Help:      "Bridged operations whose callback was registered with the client.",
	}, []string{"operation"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Bridged operations by terminal outcome.",
	}, []string{"operation", "outcome"})

	callbacksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_dropped_total",
		Help:      "Late or duplicate callback invocations discarded after a task was terminal.",
	}, []string{"operation"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time from registration to terminal outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	failuresByCode = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "result_failures_total",
		Help:      "Typed failures by billing response code.",
	}, []string{"operation", "code"})

	loopJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "affinity_jobs_total",
		Help:      "Jobs posted to an affinity loop by result.",
	}, []string{"loop", "result"})

	reconcileSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_steps_total",
		Help:      "Reconcile steps by operation and final error code.",
	}, []string{"operation", "code"})
)

// TaskStarted counts a callback registered with the client.
func TaskStarted(op string) { tasksStarted.WithLabelValues(op).Inc() }

// TaskFinished counts a started task's terminal outcome and observes how long
// it was pending.
func TaskFinished(op, outcome string, seconds float64) {
	tasksFinished.WithLabelValues(op, outcome).Inc()
	taskDuration.WithLabelValues(op).Observe(seconds)
}

// CallbackDropped counts a callback invocation that arrived after its task was terminal.
func CallbackDropped(op string) { callbacksDropped.WithLabelValues(op).Inc() }

// ResultFailure counts a non-OK billing result delivered to a caller.
func ResultFailure(op, code string) { failuresByCode.WithLabelValues(op, code).Inc() }

// LoopJob counts a job posted to loop by what became of it: executed,
// skipped, aborted, rejected, cancelled or panicked.
func LoopJob(loop, result string) { loopJobs.WithLabelValues(loop, result).Inc() }

// ReconcileStep counts a finished reconcile step by its final error code.
func ReconcileStep(op, code string) { reconcileSteps.WithLabelValues(op, code).Inc() }

// GetTasksStarted returns the tasks_started_total collector.
func GetTasksStarted() *prometheus.CounterVec { return tasksStarted }

// GetTasksFinished returns the tasks_finished_total collector.
func GetTasksFinished() *prometheus.CounterVec { return tasksFinished }

// GetCallbacksDropped returns the callbacks_dropped_total collector.
func GetCallbacksDropped() *prometheus.CounterVec { return callbacksDropped }

// GetTaskDuration returns the task_duration_seconds collector.
func GetTaskDuration() *prometheus.HistogramVec { return taskDuration }

// GetResultFailures returns the result_failures_total collector.
func GetResultFailures() *prometheus.CounterVec { return failuresByCode }

// GetLoopJobs returns the affinity_jobs_total collector.
func GetLoopJobs() *prometheus.CounterVec { return loopJobs }

// GetReconcileSteps returns the reconcile_steps_total collector.
func GetReconcileSteps() *prometheus.CounterVec { return reconcileSteps }
