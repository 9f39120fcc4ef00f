package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyway_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keyway_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	secretsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keyway_secrets_total",
		Help: "Number of stored secrets by lifecycle state.",
	}, []string{"state"})

	syncRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyway_sync_runs_total",
		Help: "Completed sync runs by direction and status.",
	}, []string{"direction", "status"})

	trashPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyway_trash_purged_total",
		Help: "Secrets hard-deleted by the trash purge sweeper.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, secretsTotal, syncRunsTotal, trashPurgedTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObservePurge feeds the sweeper's purge counts into metrics.
func ObservePurge(count int64) {
	trashPurgedTotal.Add(float64(count))
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
