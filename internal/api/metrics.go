package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	jobsCreated       prometheus.Counter
	dispatchRejected  prometheus.Counter
}

func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_api_requests_total",
			Help: "HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receiptflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptflow_api_rate_limit_rejections_total",
			Help: "API requests rejected by rate limiting.",
		}, []string{"route"}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiptflow_api_jobs_created_total",
			Help: "Extraction jobs accepted by the API.",
		}),
		dispatchRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receiptflow_api_dispatch_rejections_total",
			Help: "Job creations refused because the dispatcher was saturated.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.jobsCreated,
		m.dispatchRejected,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)
		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses ids in path so metric and span names stay bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && (parts[0] == "healthz" || parts[0] == "metrics" || parts[0] == "lr"):
		return "/" + parts[0]
	case len(parts) == 3 && parts[0] == "jobs" && parts[1] == "lr":
		return "/jobs/lr/{receiptId}"
	case len(parts) == 2 && parts[0] == "jobs":
		return "/jobs/{jobId}"
	case len(parts) == 2 && parts[0] == "lr":
		return "/lr/{receiptId}"
	case len(parts) == 3 && parts[0] == "lr":
		return "/lr/{receiptId}/" + parts[2]
	case len(parts) == 3 && parts[0] == "invoice":
		return "/invoice/{invoiceId}/" + parts[2]
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
