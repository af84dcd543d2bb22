package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/doai/devicefarm/internal/domain"
	"github.com/doai/devicefarm/internal/usecase"
)

type taskResponse struct {
	ID          string          `json:"id"`
	BrokerID    string          `json:"broker_id,omitempty"`
	Kind        string          `json:"kind"`
	Queue       string          `json:"queue"`
	Status      string          `json:"status"`
	BrokerState string          `json:"broker_state,omitempty"`
	DeviceID    *string         `json:"device_id,omitempty"`
	HostID      *string         `json:"host_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Retries     int             `json:"retries"`
	Progress    int             `json:"progress"`
	ProgressMsg string          `json:"progress_msg,omitempty"`
	CreatedAt   string          `json:"created_at"`
	StartedAt   *string         `json:"started_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	DurationSec *float64        `json:"duration_sec,omitempty"`
}

func toTaskResponse(t domain.Task, brokerState string) taskResponse {
	resp := taskResponse{
		ID:          t.ID,
		BrokerID:    t.BrokerID,
		Kind:        string(t.Kind),
		Queue:       t.Queue,
		Status:      string(t.Status),
		BrokerState: brokerState,
		DeviceID:    t.DeviceID,
		HostID:      t.HostID,
		Result:      t.Result,
		Error:       t.Error,
		ErrorCode:   t.ErrorCode,
		Retries:     t.Retries,
		Progress:    t.Progress,
		ProgressMsg: t.ProgressMsg,
		CreatedAt:   t.CreatedAt.Format(timeFormat),
		DurationSec: t.DurationSec,
	}
	if t.StartedAt != nil {
		s := t.StartedAt.Format(timeFormat)
		resp.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := t.CompletedAt.Format(timeFormat)
		resp.CompletedAt = &s
	}
	return resp
}

type dispatchRequest struct {
	Kind       string          `json:"kind" validate:"required"`
	DeviceID   string          `json:"device_id" validate:"omitempty"`
	HostNumber string          `json:"host_number" validate:"omitempty,max=32"`
	Payload    json.RawMessage `json:"payload" validate:"omitempty"`
}

// DispatchTaskHandler enqueues an arbitrary device or host task.
func (s *Server) DispatchTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		var payload map[string]any
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &payload); err != nil {
				writeError(w, r, fmt.Errorf("%w: payload must be a JSON object", domain.ErrInvalidArgument))
				return
			}
		} else {
			payload = map[string]any{}
		}
		if req.DeviceID != "" {
			payload["device_id"] = req.DeviceID
		}
		var (
			res usecase.DispatchResult
			err error
		)
		if req.DeviceID != "" {
			res, err = s.Tasks.Dispatch(r.Context(), domain.TaskKind(req.Kind), req.DeviceID, payload)
		} else {
			res, err = s.Tasks.DispatchToHost(r.Context(), domain.TaskKind(req.Kind), req.HostNumber, payload)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// GetTaskHandler returns the mirrored task merged with live broker state.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(v.Task, v.BrokerState))
	}
}

// TaskBrokerStatusHandler reports only the broker's view of a task. The
// route keeps the legacy celery-status path that fleet tooling polls.
func (s *Server) TaskBrokerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":      v.Task.ID,
			"broker_id":    v.Task.BrokerID,
			"status":       v.Task.Status,
			"broker_state": v.BrokerState,
		})
	}
}

// ListTasksHandler returns a filtered page of tasks.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, size := pageParams(r)
		q := r.URL.Query()
		tasks, total, err := s.Tasks.List(r.Context(), domain.TaskFilter{
			Status:   q.Get("status"),
			Kind:     q.Get("kind"),
			HostID:   q.Get("host_id"),
			DeviceID: q.Get("device_id"),
			Page:     page,
			PageSize: size,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, toTaskResponse(t, ""))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total, "page": page, "page_size": size})
	}
}

// CancelTaskHandler revokes the broker copy and closes the mirrored row.
func (s *Server) CancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Tasks.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
	}
}

// TaskStatsHandler aggregates the task table.
func (s *Server) TaskStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Tasks.Stats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":       st.Total,
			"pending":     st.Pending,
			"running":     st.Running,
			"success":     st.Success,
			"failed":      st.Failed,
			"retrying":    st.Retrying,
			"cancelled":   st.Cancelled,
			"avg_seconds": st.AvgSeconds,
		})
	}
}

// RecentTasksHandler returns the newest tasks.
func (s *Server) RecentTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 {
			limit = 20
		}
		tasks, err := s.Tasks.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, toTaskResponse(t, ""))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// WorkersHandler enumerates live broker workers.
func (s *Server) WorkersHandler() http.HandlerFunc {
	type row struct {
		Host    string   `json:"host"`
		Queues  []string `json:"queues"`
		Started string   `json:"started"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Tasks.Workers(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]row, 0, len(workers))
		for _, wk := range workers {
			items = append(items, row{Host: wk.Host, Queues: wk.Queues, Started: wk.Started.Format(timeFormat)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// QueuesHandler reports per-queue broker depth.
func (s *Server) QueuesHandler() http.HandlerFunc {
	type row struct {
		Name      string `json:"name"`
		Pending   int    `json:"pending"`
		Active    int    `json:"active"`
		Retry     int    `json:"retry"`
		Scheduled int    `json:"scheduled"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		queues, err := s.Tasks.Queues(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]row, 0, len(queues))
		for _, q := range queues {
			items = append(items, row{Name: q.Name, Pending: q.Pending, Active: q.Active, Retry: q.Retry, Scheduled: q.Scheduled})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// InstallAPKHandler enqueues a single-device APK install.
func (s *Server) InstallAPKHandler() http.HandlerFunc {
	type request struct {
		DeviceID  string `json:"device_id" validate:"required"`
		APKName   string `json:"apk_name" validate:"required,max=255"`
		Reinstall bool   `json:"reinstall"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Tasks.Dispatch(r.Context(), domain.TaskInstallAPK, req.DeviceID, domain.InstallPayload{
			DeviceID:  req.DeviceID,
			APKName:   req.APKName,
			Reinstall: req.Reinstall,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// BatchInstallHandler enqueues one install wave task on a host queue.
func (s *Server) BatchInstallHandler() http.HandlerFunc {
	type request struct {
		HostNumber string   `json:"host_number" validate:"required,max=32"`
		DeviceIDs  []string `json:"device_ids" validate:"required,min=1,max=100"`
		APKName    string   `json:"apk_name" validate:"required,max=255"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Tasks.DispatchToHost(r.Context(), domain.TaskBatchInstall, req.HostNumber, domain.BatchPayload{
			DeviceIDs: req.DeviceIDs,
			APKName:   req.APKName,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// HealthCheckTaskHandler enqueues a single-device health probe.
func (s *Server) HealthCheckTaskHandler() http.HandlerFunc {
	type request struct {
		DeviceID string `json:"device_id" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Tasks.Dispatch(r.Context(), domain.TaskHealthCheck, req.DeviceID, domain.DevicePayload{DeviceID: req.DeviceID})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// BatchHealthCheckHandler probes a host's devices in bounded waves.
func (s *Server) BatchHealthCheckHandler() http.HandlerFunc {
	type request struct {
		HostNumber string   `json:"host_number" validate:"required,max=32"`
		DeviceIDs  []string `json:"device_ids" validate:"omitempty,max=200"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Tasks.DispatchToHost(r.Context(), domain.TaskBatchHealthCheck, req.HostNumber, domain.BatchPayload{DeviceIDs: req.DeviceIDs})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// ScanDevicesHandler asks one host's worker to enumerate attached handsets.
func (s *Server) ScanDevicesHandler() http.HandlerFunc {
	type request struct {
		HostNumber string `json:"host_number" validate:"required,max=32"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Tasks.DispatchToHost(r.Context(), domain.TaskDeviceScan, req.HostNumber, domain.DevicePayload{})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// AppiumHealthCheckHandler probes a host's automation server.
func (s *Server) AppiumHealthCheckHandler() http.HandlerFunc {
	type request struct {
		HostNumber string `json:"host_number" validate:"required,max=32"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Tasks.DispatchToHost(r.Context(), domain.TaskAppiumHealth, req.HostNumber, domain.DevicePayload{})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// StopAppiumSessionHandler releases the pooled session held for a device.
func (s *Server) StopAppiumSessionHandler() http.HandlerFunc {
	type request struct {
		DeviceID string `json:"device_id" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Bots.StopAppiumSession(r.Context(), req.DeviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

type startJobRequest struct {
	DeviceID      string `json:"device_id" validate:"required"`
	AssignmentID  string `json:"assignment_id" validate:"required,max=64"`
	TargetURL     string `json:"target_url" validate:"omitempty,url"`
	Keyword       string `json:"keyword" validate:"omitempty,max=255"`
	VideoTitle    string `json:"video_title" validate:"omitempty,max=255"`
	DurationSec   int    `json:"duration_sec" validate:"omitempty,min=0"`
	MinPct        int    `json:"duration_min_pct" validate:"omitempty,min=0,max=100"`
	MaxPct        int    `json:"duration_max_pct" validate:"omitempty,min=0,max=100"`
	ProbLike      int    `json:"prob_like" validate:"omitempty,min=0,max=100"`
	ProbComment   int    `json:"prob_comment" validate:"omitempty,min=0,max=100"`
	ProbSubscribe int    `json:"prob_subscribe" validate:"omitempty,min=0,max=100"`
	ProbPlaylist  int    `json:"prob_playlist" validate:"omitempty,min=0,max=100"`
	CommentText   string `json:"comment_text" validate:"omitempty,max=1024"`
}

func jobPayloadFromRequest(req startJobRequest) domain.BotPayload {
	return domain.BotPayload{
		AssignmentID:  req.AssignmentID,
		TargetURL:     req.TargetURL,
		Keyword:       req.Keyword,
		VideoTitle:    req.VideoTitle,
		DurationSec:   req.DurationSec,
		MinPct:        req.MinPct,
		MaxPct:        req.MaxPct,
		ProbLike:      req.ProbLike,
		ProbComment:   req.ProbComment,
		ProbSubscribe: req.ProbSubscribe,
		ProbPlaylist:  req.ProbPlaylist,
		CommentText:   req.CommentText,
	}
}

// StartBotHandler dispatches a viewing job to the device's host queue.
func (s *Server) StartBotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Bots.StartJob(r.Context(), req.DeviceID, jobPayloadFromRequest(req))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// StartAppiumBotHandler dispatches a viewing job driven through the pooled
// automation sessions.
func (s *Server) StartAppiumBotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Bots.StartAppiumJob(r.Context(), req.DeviceID, jobPayloadFromRequest(req))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// StopBotHandler cancels the running job and reclaims the device session.
func (s *Server) StopBotHandler() http.HandlerFunc {
	type request struct {
		DeviceID string `json:"device_id"`
		TaskID   string `json:"task_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidArgument, err))
			return
		}
		if req.DeviceID == "" {
			writeError(w, r, fmt.Errorf("%w: device_id required", domain.ErrInvalidArgument))
			return
		}
		res, err := s.Bots.StopJob(r.Context(), req.DeviceID, req.TaskID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}
