package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ProviderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptbatch_provider_calls_total",
		Help: "Provider calls by backend and outcome",
	}, []string{"backend", "outcome"})
	ProviderRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptbatch_provider_retries_total",
		Help: "Provider call retries by error kind",
	}, []string{"kind"})
	CredentialTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptbatch_credential_transitions_total",
		Help: "Credential status transitions by resulting status",
	}, []string{"status"})
	RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptbatch_rate_limit_waits_total",
		Help: "Provider calls delayed by the shared rate limiter",
	})
	BatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptbatch_batch_outcomes_total",
		Help: "Batch results by final state",
	}, []string{"state"})
	BatchAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scriptbatch_batch_attempts",
		Help:    "Attempts needed per batch",
		Buckets: []float64{1, 2, 3, 4, 5, 6},
	})
	SceneWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptbatch_scene_warnings_total",
		Help: "Scenes accepted outside the word-count window",
	})
	AutoFixResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptbatch_autofix_scenes_total",
		Help: "Auto-fix results per scene",
	}, []string{"result"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptbatch_jobs_completed_total",
		Help: "Jobs completed successfully",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptbatch_jobs_failed_total",
		Help: "Jobs failed after exhausting retries",
	})
	JobRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptbatch_job_retries_total",
		Help: "Per-job pipeline retries",
	})
	BreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptbatch_breaker_trips_total",
		Help: "Scheduler circuit breaker trips",
	})
	PendingJobsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scriptbatch_pending_jobs",
		Help: "Jobs waiting in the pending set",
	})
	CheckpointWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptbatch_checkpoint_writes_total",
		Help: "Checkpoint writes by outcome",
	}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ProviderCalls,
			ProviderRetries,
			CredentialTransitions,
			RateLimitWaits,
			BatchOutcomes,
			BatchAttempts,
			SceneWarnings,
			AutoFixResults,
			JobsCompleted,
			JobsFailed,
			JobRetries,
			BreakerTrips,
			PendingJobsGauge,
			CheckpointWrites,
		)
	})
	return promhttp.Handler()
}
