package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doai/devicefarm/internal/domain"
)

type hostRequest struct {
	Number     string `json:"number" validate:"required,max=32"`
	Address    string `json:"address" validate:"omitempty,max=255"`
	Label      string `json:"label" validate:"omitempty,max=255"`
	Location   string `json:"location" validate:"omitempty,max=255"`
	MaxDevices int    `json:"max_devices" validate:"omitempty,min=1,max=200"`
}

type hostResponse struct {
	ID            string  `json:"id"`
	Number        string  `json:"number"`
	Queue         string  `json:"queue"`
	Address       string  `json:"address,omitempty"`
	Label         string  `json:"label,omitempty"`
	Location      string  `json:"location,omitempty"`
	MaxDevices    int     `json:"max_devices"`
	Status        string  `json:"status"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func toHostResponse(h domain.Host) hostResponse {
	resp := hostResponse{
		ID:         h.ID,
		Number:     h.Number,
		Queue:      domain.QueueForHost(h.Number),
		Address:    h.Address,
		Label:      h.Label,
		Location:   h.Location,
		MaxDevices: h.MaxDevices,
		Status:     string(h.Status),
		CreatedAt:  h.CreatedAt.Format(timeFormat),
	}
	if h.LastHeartbeat != nil {
		s := h.LastHeartbeat.Format(timeFormat)
		resp.LastHeartbeat = &s
	}
	return resp
}

// CreateHostHandler registers a worker host.
func (s *Server) CreateHostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req hostRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		h, err := s.Hosts.Register(r.Context(), domain.Host{
			Number:     req.Number,
			Address:    req.Address,
			Label:      req.Label,
			Location:   req.Location,
			MaxDevices: req.MaxDevices,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toHostResponse(h))
	}
}

// GetHostHandler returns one host by id or number.
func (s *Server) GetHostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := s.Hosts.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toHostResponse(h))
	}
}

// ListHostsHandler returns a filtered page of hosts.
func (s *Server) ListHostsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, size := pageParams(r)
		hosts, total, err := s.Hosts.List(r.Context(), domain.HostFilter{
			Status:   r.URL.Query().Get("status"),
			Page:     page,
			PageSize: size,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]hostResponse, 0, len(hosts))
		for _, h := range hosts {
			items = append(items, toHostResponse(h))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total, "page": page, "page_size": size})
	}
}

// UpdateHostHandler patches mutable host fields.
func (s *Server) UpdateHostHandler() http.HandlerFunc {
	type request struct {
		Address    *string `json:"address" validate:"omitempty,max=255"`
		Label      *string `json:"label" validate:"omitempty,max=255"`
		Location   *string `json:"location" validate:"omitempty,max=255"`
		MaxDevices *int    `json:"max_devices" validate:"omitempty,min=1,max=200"`
		Status     *string `json:"status" validate:"omitempty,oneof=online offline error"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		h, err := s.Hosts.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if req.Address != nil {
			h.Address = *req.Address
		}
		if req.Label != nil {
			h.Label = *req.Label
		}
		if req.Location != nil {
			h.Location = *req.Location
		}
		if req.MaxDevices != nil {
			h.MaxDevices = *req.MaxDevices
		}
		if req.Status != nil {
			h.Status = domain.HostStatus(*req.Status)
		}
		updated, err := s.Hosts.Update(r.Context(), h)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toHostResponse(updated))
	}
}

// DeleteHostHandler removes a host.
func (s *Server) DeleteHostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Hosts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HeartbeatHandler records a worker heartbeat keyed by host number.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Hosts.Heartbeat(r.Context(), chi.URLParam(r, "number")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// HostSummaryHandler returns the per-host fleet rollup.
func (s *Server) HostSummaryHandler() http.HandlerFunc {
	type row struct {
		HostID      string `json:"host_id"`
		HostNumber  string `json:"host_number"`
		Status      string `json:"status"`
		DeviceCount int    `json:"device_count"`
		OnlineCount int    `json:"online_count"`
		BusyCount   int    `json:"busy_count"`
		ErrorCount  int    `json:"error_count"`
		MaxDevices  int    `json:"max_devices"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.Hosts.Summary(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]row, 0, len(rows))
		for _, h := range rows {
			items = append(items, row{
				HostID:      h.HostID,
				HostNumber:  h.HostNumber,
				Status:      string(h.Status),
				DeviceCount: h.DeviceCount,
				OnlineCount: h.OnlineCount,
				BusyCount:   h.BusyCount,
				ErrorCount:  h.ErrorCount,
				MaxDevices:  h.MaxDevices,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}
