package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/doai/devicefarm/internal/adapter/httpserver"
	"github.com/doai/devicefarm/internal/adapter/observability"
	"github.com/doai/devicefarm/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints. Heartbeats are exempt: a full fleet
	// beats more often than an operator ever clicks.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		wr.Post("/api/hosts", srv.CreateHostHandler())
		wr.Patch("/api/hosts/{id}", srv.UpdateHostHandler())
		wr.Delete("/api/hosts/{id}", srv.DeleteHostHandler())

		wr.Post("/api/devices", srv.CreateDeviceHandler())
		wr.Post("/api/devices/bulk-register", srv.BulkCreateDevicesHandler())
		wr.Post("/api/devices/assign", srv.AssignDeviceHandler())
		wr.Patch("/api/devices/{id}", srv.UpdateDeviceHandler())
		wr.Delete("/api/devices/{id}", srv.DeleteDeviceHandler())
		wr.Post("/api/devices/{id}/unassign", srv.UnassignDeviceHandler())

		wr.Post("/api/tasks/dispatch", srv.DispatchTaskHandler())
		wr.Post("/api/tasks/install", srv.InstallAPKHandler())
		wr.Post("/api/tasks/batch-install", srv.BatchInstallHandler())
		wr.Post("/api/tasks/health-check", srv.HealthCheckTaskHandler())
		wr.Post("/api/tasks/batch-health-check", srv.BatchHealthCheckHandler())
		wr.Post("/api/tasks/scan-devices", srv.ScanDevicesHandler())
		wr.Post("/api/tasks/run-bot", srv.StartBotHandler())
		wr.Post("/api/tasks/stop-bot", srv.StopBotHandler())
		wr.Post("/api/tasks/run-appium-bot", srv.StartAppiumBotHandler())
		wr.Post("/api/tasks/stop-appium-session", srv.StopAppiumSessionHandler())
		wr.Post("/api/tasks/appium-health-check", srv.AppiumHealthCheckHandler())
		wr.Post("/api/tasks/{id}/cancel", srv.CancelTaskHandler())
	})

	r.Post("/api/hosts/{number}/heartbeat", srv.HeartbeatHandler())

	// Read-only endpoints
	r.Get("/api/hosts", srv.ListHostsHandler())
	r.Get("/api/hosts/summary", srv.HostSummaryHandler())
	r.Get("/api/hosts/{id}", srv.GetHostHandler())
	r.Get("/api/devices", srv.ListDevicesHandler())
	r.Get("/api/devices/online/list", srv.OnlineDevicesHandler())
	r.Get("/api/devices/by-code/{code}", srv.GetDeviceByCodeHandler())
	r.Get("/api/devices/by-serial/{serial}", srv.GetDeviceBySerialHandler())
	r.Get("/api/devices/by-ip/{ip}", srv.GetDeviceByIPHandler())
	r.Get("/api/devices/{id}", srv.GetDeviceHandler())
	r.Get("/api/tasks", srv.ListTasksHandler())
	r.Get("/api/tasks/stats", srv.TaskStatsHandler())
	r.Get("/api/tasks/recent", srv.RecentTasksHandler())
	r.Get("/api/tasks/{id}", srv.GetTaskHandler())
	r.Get("/api/tasks/{id}/celery-status", srv.TaskBrokerStatusHandler())
	r.Get("/api/workers", srv.WorkersHandler())
	r.Get("/api/queues", srv.QueuesHandler())

	// Health and metrics
	r.Get("/api/health", srv.HealthHandler())
	r.Get("/api/status", srv.StatusHandler())
	r.Get("/api/ready", srv.ReadyHandler())
	r.Get("/api/live", srv.LiveHandler())
	r.Get("/api/appium/health", srv.AppiumHealthHandler())
	r.Get("/api/appium/metrics", srv.AppiumMetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
