package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "studio_jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "studio_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsSucceeded      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "studio_jobs_succeeded_total", Help: "Jobs finished successfully"}, []string{"type"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "studio_jobs_retried_total", Help: "Failed attempts that were requeued"}, []string{"type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "studio_jobs_failed_total", Help: "Jobs that failed terminally"}, []string{"type"})
	JobsReaped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "studio_jobs_reaped_total", Help: "Stale running jobs returned to the queue"})
	JobsLeaseLost      = prometheus.NewCounter(prometheus.CounterOpts{Name: "studio_jobs_lease_lost_total", Help: "Job outcomes dropped because the worker no longer owned the job"})
	WorkerLoopErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "studio_worker_loop_errors_total", Help: "Infrastructure errors in the worker loop"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "studio_jobs_inflight", Help: "Jobs currently executing in this process"})
	WorkflowRuns       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "studio_workflow_runs_total", Help: "Recorded workflow runs"}, []string{"workflow", "outcome"})
	WorkflowContention = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "studio_workflow_lock_contention_total", Help: "Workflow starts refused because one was already running"}, []string{"workflow"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "studio_rate_limit_rejects_total", Help: "Workflow triggers rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsReaped,
			JobsLeaseLost,
			WorkerLoopErrors,
			InFlightGauge,
			WorkflowRuns,
			WorkflowContention,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
