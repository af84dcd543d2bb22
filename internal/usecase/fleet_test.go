package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doai/devicefarm/internal/domain"
)

type memHosts struct {
	rows  map[string]domain.Host
	beats []string
}

func newMemHosts() *memHosts { return &memHosts{rows: map[string]domain.Host{}} }

func (m *memHosts) Create(ctx domain.Context, h domain.Host) (string, error) {
	for _, row := range m.rows {
		if row.Number == h.Number {
			return "", domain.ErrConflict
		}
	}
	if h.ID == "" {
		h.ID = "host-" + h.Number
	}
	m.rows[h.ID] = h
	return h.ID, nil
}
func (m *memHosts) Get(ctx domain.Context, id string) (domain.Host, error) {
	h, ok := m.rows[id]
	if !ok {
		return domain.Host{}, domain.ErrNotFound
	}
	return h, nil
}
func (m *memHosts) GetByNumber(ctx domain.Context, n string) (domain.Host, error) {
	for _, h := range m.rows {
		if h.Number == n {
			return h, nil
		}
	}
	return domain.Host{}, domain.ErrNotFound
}
func (m *memHosts) List(ctx domain.Context, f domain.HostFilter) ([]domain.Host, int64, error) {
	return nil, 0, nil
}
func (m *memHosts) Update(ctx domain.Context, h domain.Host) error { m.rows[h.ID] = h; return nil }
func (m *memHosts) Delete(ctx domain.Context, id string) error     { delete(m.rows, id); return nil }
func (m *memHosts) Heartbeat(ctx domain.Context, n string, at time.Time) error {
	h, err := m.GetByNumber(ctx, n)
	if err != nil {
		return err
	}
	h.Status = domain.HostOnline
	h.LastHeartbeat = &at
	m.rows[h.ID] = h
	m.beats = append(m.beats, n)
	return nil
}
func (m *memHosts) Summary(ctx domain.Context) ([]domain.HostSummary, error) { return nil, nil }

type countingDevices struct {
	memDevices
	assigned []string
	total    int64
}

func (c *countingDevices) List(ctx domain.Context, f domain.DeviceFilter) ([]domain.Device, int64, error) {
	return nil, c.total, nil
}
func (c *countingDevices) Assign(ctx domain.Context, d, h string) (domain.Device, error) {
	c.assigned = append(c.assigned, d)
	return c.fakeDevice, nil
}

func TestHostRegister_DefaultsAndConflict(t *testing.T) {
	hosts := newMemHosts()
	svc := NewHostService(hosts)
	ctx := context.Background()

	h, err := svc.Register(ctx, domain.Host{Number: "HOST01"})
	require.NoError(t, err)
	assert.Equal(t, 20, h.MaxDevices)

	_, err = svc.Register(ctx, domain.Host{Number: "HOST01"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = svc.Register(ctx, domain.Host{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHostHeartbeat_Idempotent(t *testing.T) {
	hosts := newMemHosts()
	svc := NewHostService(hosts)
	ctx := context.Background()
	_, err := svc.Register(ctx, domain.Host{Number: "HOST01"})
	require.NoError(t, err)

	require.NoError(t, svc.Heartbeat(ctx, "HOST01"))
	require.NoError(t, svc.Heartbeat(ctx, "HOST01"))
	assert.Len(t, hosts.beats, 2)

	h, err := hosts.GetByNumber(ctx, "HOST01")
	require.NoError(t, err)
	assert.Equal(t, domain.HostOnline, h.Status)

	assert.ErrorIs(t, svc.Heartbeat(ctx, "HOST99"), domain.ErrNotFound)
}

func TestDeviceRegister_IdentityValidation(t *testing.T) {
	svc := NewDeviceService(&memDevices{fakeDevice: testDevice()}, newMemHosts())
	ctx := context.Background()

	_, err := svc.Register(ctx, domain.Device{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Register(ctx, domain.Device{Serial: "R58M", Address: "10.0.0.2:5555"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Register(ctx, domain.Device{Serial: "R58M", Address: "10.0.0.2:5555", ConnectionType: domain.ConnBoth})
	assert.NoError(t, err)

	_, err = svc.Register(ctx, domain.Device{Serial: "R58M"})
	assert.NoError(t, err)
}

func TestDeviceAssign_CapacityEnforced(t *testing.T) {
	hosts := newMemHosts()
	hosts.rows["host-1"] = domain.Host{ID: "host-1", Number: "HOST01", MaxDevices: 2}
	devices := &countingDevices{memDevices: memDevices{fakeDevice: testDevice()}, total: 2}
	svc := NewDeviceService(devices, hosts)

	_, err := svc.Assign(context.Background(), "dev-1", "host-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, devices.assigned)

	devices.total = 1
	_, err = svc.Assign(context.Background(), "dev-1", "host-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1"}, devices.assigned)
}

func TestDeviceUnassign_BusyConflicts(t *testing.T) {
	d := testDevice()
	d.Status = domain.DeviceBusy
	svc := NewDeviceService(&memDevices{fakeDevice: d}, newMemHosts())
	err := svc.Unassign(context.Background(), "dev-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestBulkRegister_PerRowOutcomes(t *testing.T) {
	svc := NewDeviceService(&memDevices{fakeDevice: testDevice()}, newMemHosts())
	out := svc.BulkRegister(context.Background(), []domain.Device{
		{Serial: "A1"},
		{},
		{Serial: "A3"},
	})
	require.Len(t, out, 3)
	assert.True(t, out[0].OK)
	assert.False(t, out[1].OK)
	assert.NotEmpty(t, out[1].Error)
	assert.True(t, out[2].OK)
}
