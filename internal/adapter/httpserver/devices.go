package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doai/devicefarm/internal/domain"
)

type deviceRequest struct {
	Serial         string `json:"serial" validate:"omitempty,max=64"`
	Address        string `json:"address" validate:"omitempty,hostname_port"`
	AppiumPort     int    `json:"appium_port" validate:"omitempty,min=1,max=65535"`
	Model          string `json:"model" validate:"omitempty,max=128"`
	OSVersion      string `json:"os_version" validate:"omitempty,max=32"`
	ConnectionType string `json:"connection_type" validate:"omitempty,oneof=usb wifi both"`
	PhysicalPort   int    `json:"physical_port" validate:"omitempty,min=1,max=20"`
}

type deviceResponse struct {
	ID             string  `json:"id"`
	Serial         string  `json:"serial,omitempty"`
	Address        string  `json:"address,omitempty"`
	AppiumPort     int     `json:"appium_port,omitempty"`
	Model          string  `json:"model,omitempty"`
	OSVersion      string  `json:"os_version,omitempty"`
	ConnectionType string  `json:"connection_type"`
	PhysicalPort   int     `json:"physical_port,omitempty"`
	DeviceNumber   int     `json:"device_number,omitempty"`
	Code           string  `json:"code,omitempty"`
	Status         string  `json:"status"`
	BatteryLevel   int     `json:"battery_level"`
	ErrorCount     int     `json:"error_count"`
	LastError      string  `json:"last_error,omitempty"`
	LastSeen       *string `json:"last_seen,omitempty"`
	HostID         *string `json:"host_id,omitempty"`
	HostNumber     string  `json:"host_number,omitempty"`
}

func toDeviceResponse(d domain.Device) deviceResponse {
	resp := deviceResponse{
		ID:             d.ID,
		Serial:         d.Serial,
		Address:        d.Address,
		AppiumPort:     d.AppiumPort,
		Model:          d.Model,
		OSVersion:      d.OSVersion,
		ConnectionType: string(d.ConnectionType),
		PhysicalPort:   d.PhysicalPort,
		DeviceNumber:   d.DeviceNumber,
		Code:           d.Code,
		Status:         string(d.Status),
		BatteryLevel:   d.BatteryLevel,
		ErrorCount:     d.ErrorCount,
		LastError:      d.LastError,
		HostID:         d.HostID,
		HostNumber:     d.HostNumber,
	}
	if d.LastSeen != nil {
		s := d.LastSeen.Format(timeFormat)
		resp.LastSeen = &s
	}
	return resp
}

func deviceFromRequest(req deviceRequest) domain.Device {
	return domain.Device{
		Serial:         req.Serial,
		Address:        req.Address,
		AppiumPort:     req.AppiumPort,
		Model:          req.Model,
		OSVersion:      req.OSVersion,
		ConnectionType: domain.ConnectionType(req.ConnectionType),
		PhysicalPort:   req.PhysicalPort,
	}
}

// CreateDeviceHandler registers a single handset.
func (s *Server) CreateDeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		d, err := s.Devices.Register(r.Context(), deviceFromRequest(req))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDeviceResponse(d))
	}
}

// BulkCreateDevicesHandler registers many handsets with per-row outcomes.
func (s *Server) BulkCreateDevicesHandler() http.HandlerFunc {
	type request struct {
		Devices []deviceRequest `json:"devices" validate:"required,min=1,max=100,dive"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		rows := make([]domain.Device, 0, len(req.Devices))
		for _, d := range req.Devices {
			rows = append(rows, deviceFromRequest(d))
		}
		out := s.Devices.BulkRegister(r.Context(), rows)
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

// GetDeviceHandler returns one device by id or farm code.
func (s *Server) GetDeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Devices.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeviceResponse(d))
	}
}

// ListDevicesHandler returns a filtered page of devices.
func (s *Server) ListDevicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, size := pageParams(r)
		q := r.URL.Query()
		devices, total, err := s.Devices.List(r.Context(), domain.DeviceFilter{
			HostID:         q.Get("host_id"),
			HostNumber:     q.Get("host_number"),
			Status:         q.Get("status"),
			ConnectionType: q.Get("connection_type"),
			UnassignedOnly: q.Get("unassigned_only") == "true",
			Page:           page,
			PageSize:       size,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]deviceResponse, 0, len(devices))
		for _, d := range devices {
			items = append(items, toDeviceResponse(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total, "page": page, "page_size": size})
	}
}

// UpdateDeviceHandler patches mutable device fields.
func (s *Server) UpdateDeviceHandler() http.HandlerFunc {
	type request struct {
		Address      *string `json:"address" validate:"omitempty,hostname_port"`
		AppiumPort   *int    `json:"appium_port" validate:"omitempty,min=1,max=65535"`
		Model        *string `json:"model" validate:"omitempty,max=128"`
		OSVersion    *string `json:"os_version" validate:"omitempty,max=32"`
		PhysicalPort *int    `json:"physical_port" validate:"omitempty,min=1,max=20"`
		Status       *string `json:"status" validate:"omitempty,oneof=online offline busy error"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		d, err := s.Devices.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if req.Address != nil {
			d.Address = *req.Address
		}
		if req.AppiumPort != nil {
			d.AppiumPort = *req.AppiumPort
		}
		if req.Model != nil {
			d.Model = *req.Model
		}
		if req.OSVersion != nil {
			d.OSVersion = *req.OSVersion
		}
		if req.PhysicalPort != nil {
			d.PhysicalPort = *req.PhysicalPort
		}
		if req.Status != nil {
			d.Status = domain.DeviceStatus(*req.Status)
		}
		updated, err := s.Devices.Update(r.Context(), d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeviceResponse(updated))
	}
}

// DeleteDeviceHandler removes a device not running a job.
func (s *Server) DeleteDeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Devices.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetDeviceByCodeHandler returns one device by its farm code.
func (s *Server) GetDeviceByCodeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Devices.ByCode(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeviceResponse(d))
	}
}

// GetDeviceBySerialHandler returns one device by its ADB serial.
func (s *Server) GetDeviceBySerialHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Devices.BySerial(r.Context(), chi.URLParam(r, "serial"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeviceResponse(d))
	}
}

// GetDeviceByIPHandler returns one device by its network address.
func (s *Server) GetDeviceByIPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Devices.ByAddress(r.Context(), chi.URLParam(r, "ip"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeviceResponse(d))
	}
}

// OnlineDevicesHandler lists every online device, unpaginated.
func (s *Server) OnlineDevicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, total, err := s.Devices.List(r.Context(), domain.DeviceFilter{
			Status:   string(domain.DeviceOnline),
			PageSize: 200,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]deviceResponse, 0, len(devices))
		for _, d := range devices {
			items = append(items, toDeviceResponse(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
	}
}

// AssignDeviceHandler binds a device to a host, allocating its farm code.
func (s *Server) AssignDeviceHandler() http.HandlerFunc {
	type request struct {
		DeviceID string `json:"device_id" validate:"required"`
		HostID   string `json:"host_id" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		d, err := s.Devices.Assign(r.Context(), req.DeviceID, req.HostID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeviceResponse(d))
	}
}

// UnassignDeviceHandler detaches a device from its host.
func (s *Server) UnassignDeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Devices.Unassign(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
