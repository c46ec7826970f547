// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued",
	})
	JobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_started_total",
		Help: "Total number of jobs submitted to a backend",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of terminally failed jobs",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of cancelled jobs",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job durations from enqueue to terminal state",
		Buckets: prometheus.DefBuckets,
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a checkpoint sub-queue",
	}, []string{"checkpoint"})
	BackendState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_state",
		Help: "0 connecting, 1 ready, 2 offline",
	}, []string{"backend_id"})
	BackendBlockedFingerprints = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backend_blocked_fingerprints_total",
		Help: "Total number of backend x fingerprint blocks recorded by the failover policy",
	})
	ExecutionStartTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "execution_start_timeouts_total",
		Help: "Total number of times a submitted job never observed executionStart in time",
	})
	DispatcherWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_wakeups_total",
		Help: "Total number of times the dispatcher's event loop woke up",
	})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsStarted, JobsCompleted, JobsFailed, JobsRetried, JobsCancelled,
		JobProcessingDuration, QueueLength, BackendState, BackendBlockedFingerprints,
		ExecutionStartTimeouts, DispatcherWakeups,
	)
}

// StartHTTPServer exposes /metrics, /healthz and /readyz, exactly as the
// teacher's obs.StartHTTPServer does.
func StartHTTPServer(cfg *config.Config, readiness func() error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		if err := readiness(); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
