// Package observability wires logging, metrics and tracing.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration observes request latencies.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsCreatedTotal counts jobs created by dispatch mode.
	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_jobs_created_total",
			Help: "Total number of video jobs created",
		},
		[]string{"dispatch_mode"},
	)
	// JobsRunning gauges jobs currently held by a runner.
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_jobs_running",
			Help: "Number of jobs currently executing",
		},
	)
	// JobsFinishedTotal counts terminal transitions by final status.
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)
	// JobPhaseDuration observes time spent per phase.
	JobPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "video_job_phase_duration_seconds",
			Help:    "Duration of each job phase in seconds",
			Buckets: []float64{1, 5, 15, 60, 180, 600, 1200},
		},
		[]string{"phase"},
	)
	// AutoRetriesTotal counts heavy-load auto-retry spawns.
	AutoRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "video_job_auto_retries_total",
			Help: "Total number of heavy-load auto-retry jobs spawned",
		},
	)

	// BrokerRPCTotal counts broker RPC calls by action and outcome code.
	BrokerRPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_rpc_total",
			Help: "Total number of browser broker RPC calls",
		},
		[]string{"action", "code"},
	)
	// UpstreamRequestsTotal counts upstream HTTP calls by operation and outcome.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"operation", "outcome"},
	)

	// ScanRunsTotal counts scan runs by group.
	ScanRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_runs_total",
			Help: "Total number of account scan runs",
		},
		[]string{"group"},
	)
	// StreamSubscribers gauges live stream subscriptions.
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Number of active job stream subscribers",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all metric vectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			JobsCreatedTotal,
			JobsRunning,
			JobsFinishedTotal,
			JobPhaseDuration,
			AutoRetriesTotal,
			BrokerRPCTotal,
			UpstreamRequestsTotal,
			ScanRunsTotal,
			StreamSubscribers,
		)
	})
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
