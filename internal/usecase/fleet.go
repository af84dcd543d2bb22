package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/doai/devicefarm/internal/domain"
)

// HostService manages worker host registration and liveness.
type HostService struct {
	Hosts domain.HostRepository
}

// NewHostService constructs a HostService.
func NewHostService(h domain.HostRepository) HostService { return HostService{Hosts: h} }

// Register creates a host. The derived queue name is reported back so the
// operator can point the worker at it.
func (s HostService) Register(ctx domain.Context, h domain.Host) (domain.Host, error) {
	if h.Number == "" {
		return domain.Host{}, fmt.Errorf("%w: host number required", domain.ErrInvalidArgument)
	}
	if h.MaxDevices <= 0 {
		h.MaxDevices = 20
	}
	id, err := s.Hosts.Create(ctx, h)
	if err != nil {
		return domain.Host{}, err
	}
	return s.Hosts.Get(ctx, id)
}

// Heartbeat marks the host online. Repeat beats are idempotent.
func (s HostService) Heartbeat(ctx domain.Context, number string) error {
	if number == "" {
		return fmt.Errorf("%w: host number required", domain.ErrInvalidArgument)
	}
	return s.Hosts.Heartbeat(ctx, number, time.Now().UTC())
}

// Get loads a host by id, falling back to its number so both
// /api/hosts/{number} and internal id references resolve.
func (s HostService) Get(ctx domain.Context, idOrNumber string) (domain.Host, error) {
	h, err := s.Hosts.Get(ctx, idOrNumber)
	if err == nil {
		return h, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return s.Hosts.GetByNumber(ctx, idOrNumber)
	}
	return domain.Host{}, err
}

// List returns a filtered page of hosts.
func (s HostService) List(ctx domain.Context, f domain.HostFilter) ([]domain.Host, int64, error) {
	return s.Hosts.List(ctx, f)
}

// Update persists mutable host fields.
func (s HostService) Update(ctx domain.Context, h domain.Host) (domain.Host, error) {
	if err := s.Hosts.Update(ctx, h); err != nil {
		return domain.Host{}, err
	}
	return s.Hosts.Get(ctx, h.ID)
}

// Delete removes a host.
func (s HostService) Delete(ctx domain.Context, id string) error {
	return s.Hosts.Delete(ctx, id)
}

// Summary returns the per-host fleet rollup.
func (s HostService) Summary(ctx domain.Context) ([]domain.HostSummary, error) {
	return s.Hosts.Summary(ctx)
}

// DeviceService manages handset registration and host assignment.
type DeviceService struct {
	Devices domain.DeviceRepository
	Hosts   domain.HostRepository
}

// NewDeviceService constructs a DeviceService.
func NewDeviceService(d domain.DeviceRepository, h domain.HostRepository) DeviceService {
	return DeviceService{Devices: d, Hosts: h}
}

// Register creates a device. Exactly one of serial and address must be set;
// a device reachable both ways registers with the serial and gains the
// address via update.
func (s DeviceService) Register(ctx domain.Context, d domain.Device) (domain.Device, error) {
	if err := validateIdentity(d); err != nil {
		return domain.Device{}, err
	}
	if d.ConnectionType == "" {
		if d.Address != "" {
			d.ConnectionType = domain.ConnWiFi
		} else {
			d.ConnectionType = domain.ConnUSB
		}
	}
	id, err := s.Devices.Create(ctx, d)
	if err != nil {
		return domain.Device{}, err
	}
	return s.Devices.Get(ctx, id)
}

func validateIdentity(d domain.Device) error {
	if d.Serial == "" && d.Address == "" {
		return fmt.Errorf("%w: serial or address required", domain.ErrInvalidArgument)
	}
	if d.Serial != "" && d.Address != "" && d.ConnectionType != domain.ConnBoth {
		return fmt.Errorf("%w: both serial and address set; connection_type must be both", domain.ErrInvalidArgument)
	}
	return nil
}

// BulkOutcome is the per-row result of a bulk registration.
type BulkOutcome struct {
	Serial string `json:"serial,omitempty"`
	Code   string `json:"code,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// BulkRegister registers many devices, reporting per-row outcomes instead
// of failing the batch on the first conflict.
func (s DeviceService) BulkRegister(ctx domain.Context, devices []domain.Device) []BulkOutcome {
	out := make([]BulkOutcome, 0, len(devices))
	for _, d := range devices {
		created, err := s.Register(ctx, d)
		o := BulkOutcome{Serial: d.Serial, OK: err == nil}
		if err != nil {
			o.Error = err.Error()
		} else {
			o.Code = created.Code
		}
		out = append(out, o)
	}
	return out
}

// Assign binds a device to a host, allocating the next host-local ordinal.
func (s DeviceService) Assign(ctx domain.Context, deviceID, hostID string) (domain.Device, error) {
	host, err := s.Hosts.Get(ctx, hostID)
	if err != nil {
		return domain.Device{}, err
	}
	_, total, err := s.Devices.List(ctx, domain.DeviceFilter{HostID: hostID, PageSize: 1})
	if err != nil {
		return domain.Device{}, err
	}
	if int(total) >= host.MaxDevices {
		return domain.Device{}, fmt.Errorf("%w: host %s is full (%d devices)", domain.ErrConflict, host.Number, host.MaxDevices)
	}
	return s.Devices.Assign(ctx, deviceID, hostID)
}

// Unassign detaches a device from its host.
func (s DeviceService) Unassign(ctx domain.Context, deviceID string) error {
	d, err := s.Devices.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.Status == domain.DeviceBusy {
		return fmt.Errorf("%w: device %s is busy", domain.ErrConflict, deviceID)
	}
	return s.Devices.Unassign(ctx, deviceID)
}

// Get loads a device by id, falling back to its farm code.
func (s DeviceService) Get(ctx domain.Context, idOrCode string) (domain.Device, error) {
	d, err := s.Devices.Get(ctx, idOrCode)
	if err == nil {
		return d, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return s.Devices.GetByCode(ctx, idOrCode)
	}
	return domain.Device{}, err
}

// ByCode loads a device by its farm code.
func (s DeviceService) ByCode(ctx domain.Context, code string) (domain.Device, error) {
	return s.Devices.GetByCode(ctx, code)
}

// BySerial loads a device by its ADB serial.
func (s DeviceService) BySerial(ctx domain.Context, serial string) (domain.Device, error) {
	return s.Devices.GetBySerial(ctx, serial)
}

// ByAddress loads a device by its network address.
func (s DeviceService) ByAddress(ctx domain.Context, addr string) (domain.Device, error) {
	return s.Devices.GetByAddress(ctx, addr)
}

// List returns a filtered page of devices.
func (s DeviceService) List(ctx domain.Context, f domain.DeviceFilter) ([]domain.Device, int64, error) {
	return s.Devices.List(ctx, f)
}

// Update persists mutable device fields.
func (s DeviceService) Update(ctx domain.Context, d domain.Device) (domain.Device, error) {
	if err := s.Devices.Update(ctx, d); err != nil {
		return domain.Device{}, err
	}
	return s.Devices.Get(ctx, d.ID)
}

// Delete removes a device not currently running a job.
func (s DeviceService) Delete(ctx domain.Context, id string) error {
	d, err := s.Devices.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == domain.DeviceBusy {
		return fmt.Errorf("%w: device %s is busy", domain.ErrConflict, id)
	}
	return s.Devices.Delete(ctx, id)
}
