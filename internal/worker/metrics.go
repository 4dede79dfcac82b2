package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the runner's Prometheus collectors. They register into the
// caller's registry so the API process (pool mode) and the worker process
// (queue mode) can each expose them.
type Metrics struct {
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	invoicesTotal   prometheus.Counter
	writeRetries    *prometheus.CounterVec
	progressUpdates prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_worker_jobs_total",
			Help: "Extraction jobs by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receiptflow_worker_job_duration_seconds",
			Help:    "Time from pickup to terminal state for each extraction job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "receiptflow_worker_active_jobs",
			Help: "Extraction jobs currently being processed.",
		}),
		invoicesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiptflow_worker_invoices_created_total",
			Help: "Invoices persisted by successful extractions.",
		}),
		writeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_worker_state_write_retries_total",
			Help: "Retried registry or store writes while recording job state.",
		}, []string{"target"}),
		progressUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiptflow_worker_progress_updates_total",
			Help: "Intermediate progress marks mirrored to registry and store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.jobsTotal,
			m.jobDuration,
			m.activeJobs,
			m.invoicesTotal,
			m.writeRetries,
			m.progressUpdates,
		)
	}
	return m
}
