// Package metrics declares the orchestrator's Prometheus counters,
// histograms and gauges, plus a small Timer helper for recording durations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreatedTotal counts every task accepted by the dispatcher or
	// command router (duplicates excluded).
	TasksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasks_created_total",
		Help: "Total number of tasks created.",
	})

	// TasksDeduplicatedTotal counts webhook deliveries that matched an
	// already in-flight fingerprint.
	TasksDeduplicatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasks_deduplicated_total",
		Help: "Total number of webhook deliveries deduplicated against an in-flight task.",
	})

	// TasksFilteredTotal counts records rejected by a webhook handler's
	// should_process filter, labeled by the filter name that rejected them.
	TasksFilteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_filtered_total",
		Help: "Total number of normalized webhook records filtered out before enqueue.",
	}, []string{"filter"})

	// StageInvocationsTotal counts agent-worker claims processed, labeled
	// by pipeline stage (plan, execute).
	StageInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_invocations_total",
		Help: "Total number of agent worker stage invocations.",
	}, []string{"stage"})

	// StageInvocationErrorsTotal counts failed stage invocations, labeled
	// by stage and error classification.
	StageInvocationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_invocation_errors_total",
		Help: "Total number of failed agent worker stage invocations.",
	}, []string{"stage", "error_type"})

	// TaskProcessingDuration observes wall-clock time spent per stage
	// invocation, labeled by stage.
	TaskProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_processing_duration_seconds",
		Help:    "Duration of agent worker stage invocations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// AgentInvocationDuration observes the wall-clock time of a single LLM
	// subprocess invocation, regardless of stage.
	AgentInvocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_invocation_duration_seconds",
		Help:    "Duration of a single LLM subprocess invocation in seconds.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// AgentInvocationsTotal counts subprocess launches, labeled by
	// provider ("claude-cli", "codex-cli", "gemini-cli").
	AgentInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_invocations_total",
		Help: "Total number of LLM subprocess invocations.",
	}, []string{"provider"})

	// AgentInvocationErrorsTotal counts subprocess failures, labeled by
	// provider and error classification.
	AgentInvocationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_invocation_errors_total",
		Help: "Total number of failed LLM subprocess invocations.",
	}, []string{"provider", "error_type"})

	// RepoCacheOperationsTotal counts repository cache manager git
	// invocations, labeled by operation (clone, fetch, reset, release).
	RepoCacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repo_cache_operations_total",
		Help: "Total number of repository cache manager operations.",
	}, []string{"operation"})

	// TasksAwaitingApprovalTotal is a point-in-time gauge of tasks
	// currently sitting in the awaiting-approval status.
	TasksAwaitingApprovalTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasks_awaiting_approval_total",
		Help: "Current number of tasks awaiting human approval.",
	})

	// ConcurrentWorkersRunning is a point-in-time gauge of agent workers
	// currently executing a subprocess.
	ConcurrentWorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concurrent_workers_running",
		Help: "Current number of agent workers executing a subprocess.",
	})

	// WebhookRequestsTotal counts webhook deliveries, labeled by outcome
	// ("success", "error").
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_requests_total",
		Help: "Total number of webhook requests handled.",
	}, []string{"status"})
)

// RecordTaskCreated increments TasksCreatedTotal.
func RecordTaskCreated() {
	TasksCreatedTotal.Inc()
}

// RecordTaskDeduplicated increments TasksDeduplicatedTotal.
func RecordTaskDeduplicated() {
	TasksDeduplicatedTotal.Inc()
}

// RecordFilteredTask increments TasksFilteredTotal for the named filter.
func RecordFilteredTask(filter string) {
	TasksFilteredTotal.WithLabelValues(filter).Inc()
}

// RecordStageInvocation increments StageInvocationsTotal and observes
// TaskProcessingDuration for the named stage.
func RecordStageInvocation(stage string, duration time.Duration) {
	StageInvocationsTotal.WithLabelValues(stage).Inc()
	TaskProcessingDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageInvocationError increments StageInvocationErrorsTotal.
func RecordStageInvocationError(stage, errorType string) {
	StageInvocationErrorsTotal.WithLabelValues(stage, errorType).Inc()
}

// RecordAgentInvocation observes AgentInvocationDuration.
func RecordAgentInvocation(duration time.Duration) {
	AgentInvocationDuration.Observe(duration.Seconds())
}

// RecordAgentInvocationStart increments AgentInvocationsTotal for provider.
func RecordAgentInvocationStart(provider string) {
	AgentInvocationsTotal.WithLabelValues(provider).Inc()
}

// RecordAgentInvocationError increments AgentInvocationErrorsTotal.
func RecordAgentInvocationError(provider, errorType string) {
	AgentInvocationErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

// RecordRepoCacheOperation increments RepoCacheOperationsTotal.
func RecordRepoCacheOperation(operation string) {
	RepoCacheOperationsTotal.WithLabelValues(operation).Inc()
}

// SetTasksAwaitingApproval sets TasksAwaitingApprovalTotal.
func SetTasksAwaitingApproval(n float64) {
	TasksAwaitingApprovalTotal.Set(n)
}

// IncrementConcurrentWorkers increments ConcurrentWorkersRunning.
func IncrementConcurrentWorkers() {
	ConcurrentWorkersRunning.Inc()
}

// DecrementConcurrentWorkers decrements ConcurrentWorkersRunning.
func DecrementConcurrentWorkers() {
	ConcurrentWorkersRunning.Dec()
}

// RecordWebhookRequest increments WebhookRequestsTotal for status.
func RecordWebhookRequest(status string) {
	WebhookRequestsTotal.WithLabelValues(status).Inc()
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordStageInvocation records the timer's elapsed time as a stage
// invocation.
func (t *Timer) RecordStageInvocation(stage string) {
	RecordStageInvocation(stage, t.Elapsed())
}

// RecordAgentInvocation records the timer's elapsed time as an agent
// subprocess invocation.
func (t *Timer) RecordAgentInvocation() {
	RecordAgentInvocation(t.Elapsed())
}
