package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by kind",
		},
		[]string{"kind"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"kind"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"kind"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_tasks_failed_total",
			Help: "Total number of tasks failed by error code",
		},
		[]string{"kind", "code"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farm_automation_sessions_active",
			Help: "Automation sessions currently held by the pool",
		},
	)

	WatchDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farm_watch_duration_seconds",
			Help:    "Distribution of completed watch durations",
			Buckets: []float64{30, 60, 120, 180, 300, 600, 900},
		},
	)
	AdsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_ads_detected_total",
			Help: "Ads detected during watch loops",
		},
	)
	AdsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_ads_skipped_total",
			Help: "Ads skipped during watch loops",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(WatchDurationHistogram)
	prometheus.MustRegister(AdsDetectedTotal)
	prometheus.MustRegister(AdsSkippedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(kind string) {
	TasksEnqueuedTotal.WithLabelValues(kind).Inc()
}

func StartProcessingTask(kind string) {
	TasksProcessing.WithLabelValues(kind).Inc()
}

func CompleteTask(kind string) {
	TasksProcessing.WithLabelValues(kind).Dec()
	TasksCompletedTotal.WithLabelValues(kind).Inc()
}

func FailTask(kind, code string) {
	TasksProcessing.WithLabelValues(kind).Dec()
	TasksFailedTotal.WithLabelValues(kind, code).Inc()
}

// SetActiveSessions mirrors the session pool gauge.
func SetActiveSessions(n int) {
	ActiveSessions.Set(float64(n))
}

// ObserveWatch records one finished watch loop.
func ObserveWatch(durationSec float64, adsDetected, adsSkipped int) {
	if durationSec > 0 {
		WatchDurationHistogram.Observe(durationSec)
	}
	AdsDetectedTotal.Add(float64(adsDetected))
	AdsSkippedTotal.Add(float64(adsSkipped))
}
