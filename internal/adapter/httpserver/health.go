package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/doai/devicefarm/internal/domain"
)

const (
	// appiumProbeTimeout bounds both the local server probe and the wait
	// for the worker's health-task answer.
	appiumProbeTimeout = 3 * time.Second
	workerPollInterval = 100 * time.Millisecond
)

// HealthHandler is the shallow liveness probe under the API prefix.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"time":   time.Now().UTC().Format(timeFormat),
		})
	}
}

// LiveHandler always succeeds while the process can serve requests.
func (s *Server) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
	}
}

// ReadyHandler succeeds once the database answers a round trip.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "detail": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

// StatusHandler is the operator dashboard rollup: dependency health, live
// workers, fleet summary and task counters in one response. Any failing
// dependency flips the status to degraded but the handler still returns 200
// so dashboards can render the partial picture.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ok"
		deps := map[string]string{}
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				status = "degraded"
				deps["database"] = err.Error()
			} else {
				deps["database"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				status = "degraded"
				deps["broker"] = err.Error()
			} else {
				deps["broker"] = "ok"
			}
		}

		body := map[string]any{
			"status":       status,
			"dependencies": deps,
			"time":         time.Now().UTC().Format(timeFormat),
		}
		if workers, err := s.Tasks.Workers(ctx); err == nil {
			body["worker_count"] = len(workers)
		}
		if summary, err := s.Hosts.Summary(ctx); err == nil {
			body["hosts"] = summary
		}
		if stats, err := s.Tasks.Stats(ctx); err == nil {
			body["tasks"] = stats
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// AppiumHealthHandler probes the automation server co-located with the API.
func (s *Server) AppiumHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Appium == nil {
			writeJSON(w, http.StatusOK, map[string]any{"ready": false, "detail": "not configured"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), appiumProbeTimeout)
		defer cancel()
		ready, err := s.Appium.Ready(ctx)
		body := map[string]any{"ready": ready}
		if err != nil {
			body["detail"] = err.Error()
		}
		st := http.StatusOK
		if !ready {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, body)
	}
}

// appiumMetrics is the unioned session-pressure report: the co-located
// server probe plus one pool snapshot reported by a worker.
type appiumMetrics struct {
	Ready          bool           `json:"ready"`
	ActiveSessions int            `json:"active_sessions"`
	MaxSessions    int            `json:"max_sessions"`
	AvailablePorts int            `json:"available_ports"`
	UsedPorts      map[string]int `json:"used_ports"`
	ActiveDevices  []string       `json:"active_devices"`
}

// AppiumMetricsHandler probes the local automation server and requests one
// health-check task from a worker queue (host_number query selects the host;
// empty routes to the shared queue). The worker's pool snapshot is awaited
// briefly; a silent host leaves the session fields zeroed so the probe
// result still renders.
func (s *Server) AppiumMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := appiumMetrics{
			MaxSessions:   s.Cfg.AppiumMaxSessions,
			UsedPorts:     map[string]int{},
			ActiveDevices: []string{},
		}
		if s.Appium != nil {
			ctx, cancel := context.WithTimeout(r.Context(), appiumProbeTimeout)
			out.Ready, _ = s.Appium.Ready(ctx)
			cancel()
		}
		res, err := s.Tasks.DispatchToHost(r.Context(), domain.TaskAppiumHealth, r.URL.Query().Get("host_number"), domain.DevicePayload{})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if rep, ok := s.awaitTaskResult(r.Context(), res.TaskID); ok {
			var snap appiumMetrics
			if json.Unmarshal(rep, &snap) == nil {
				out.Ready = out.Ready || snap.Ready
				out.ActiveSessions = snap.ActiveSessions
				out.MaxSessions = snap.MaxSessions
				out.AvailablePorts = snap.AvailablePorts
				if snap.UsedPorts != nil {
					out.UsedPorts = snap.UsedPorts
				}
				if snap.ActiveDevices != nil {
					out.ActiveDevices = snap.ActiveDevices
				}
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// awaitTaskResult polls the mirrored row until the worker writes a result or
// the probe window closes.
func (s *Server) awaitTaskResult(ctx context.Context, taskID string) ([]byte, bool) {
	wait := s.workerAwait
	if wait <= 0 {
		wait = appiumProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(workerPollInterval)
	defer tick.Stop()
	for {
		v, err := s.Tasks.Get(ctx, taskID)
		if err == nil && v.Task.Status.Terminal() && len(v.Task.Result) > 0 {
			return v.Task.Result, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-tick.C:
		}
	}
}
