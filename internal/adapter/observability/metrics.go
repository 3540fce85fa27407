package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"family", "path"}, // path: inline|queued
	)
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"family"},
	)
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs currently executing",
		},
		[]string{"family"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Current priority queue depth",
		},
		[]string{"family"},
	)
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"family", "status"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"family"},
	)

	ProcessesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_processes_active",
			Help: "Number of live assistant CLI processes",
		},
	)
	ZombiesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_zombies_reclaimed_total",
			Help: "Total number of orphaned processes reclaimed at startup",
		},
	)

	RenderStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_stage_duration_seconds",
			Help:    "Render pipeline stage duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"}, // validate|render|encode
	)
	SampleFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sample_fetch_total",
			Help: "Sample cache activity by outcome",
		},
		[]string{"outcome"}, // hit|file_hit|fetched|synthesized|error
	)

	WorkflowStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_steps_total",
			Help: "Workflow step completions by status",
		},
		[]string{"status"},
	)
	WorkflowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workflow_duration_seconds",
			Help:    "End-to-end workflow duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	KVFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kv_failovers_total",
			Help: "Times the KV plane switched to the in-process fallback",
		},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsTerminalTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ProcessesActive)
	prometheus.MustRegister(ZombiesReclaimed)
	prometheus.MustRegister(RenderStageDuration)
	prometheus.MustRegister(SampleFetchTotal)
	prometheus.MustRegister(WorkflowStepsTotal)
	prometheus.MustRegister(WorkflowDuration)
	prometheus.MustRegister(KVFailovers)
}
