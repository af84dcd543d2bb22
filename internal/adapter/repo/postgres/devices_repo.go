package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/doai/devicefarm/internal/domain"
)

// DeviceRepo persists and loads Android handsets.
type DeviceRepo struct{ Pool PgxPool }

// NewDeviceRepo constructs a DeviceRepo with the given pool.
func NewDeviceRepo(p PgxPool) *DeviceRepo { return &DeviceRepo{Pool: p} }

const deviceColumns = `d.id, d.serial, d.address, d.appium_port, d.model, d.os_version,
	d.connection_type, d.physical_port, d.device_number, d.code, d.status,
	d.battery_level, d.error_count, d.last_error, d.last_seen, d.host_id,
	COALESCE(h.number, ''), d.created_at, d.updated_at`

func scanDevice(row pgx.Row) (domain.Device, error) {
	var d domain.Device
	err := row.Scan(&d.ID, &d.Serial, &d.Address, &d.AppiumPort, &d.Model, &d.OSVersion,
		&d.ConnectionType, &d.PhysicalPort, &d.DeviceNumber, &d.Code, &d.Status,
		&d.BatteryLevel, &d.ErrorCount, &d.LastError, &d.LastSeen, &d.HostID,
		&d.HostNumber, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (r *DeviceRepo) getBy(ctx domain.Context, op, where string, arg any) (domain.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices d LEFT JOIN hosts h ON h.id=d.host_id WHERE ` + where
	d, err := scanDevice(r.Pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Device{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Device{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return d, nil
}

// Create inserts a new device. Serial/address/code collisions map to ErrConflict.
func (r *DeviceRepo) Create(ctx domain.Context, d domain.Device) (string, error) {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.Create")
	defer span.End()
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := d.Status
	if status == "" {
		status = domain.DeviceOffline
	}
	now := time.Now().UTC()
	q := `INSERT INTO devices (id, serial, address, appium_port, model, os_version,
		connection_type, physical_port, device_number, code, status,
		battery_level, error_count, last_error, last_seen, host_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err := r.Pool.Exec(ctx, q, id, d.Serial, d.Address, d.AppiumPort, d.Model, d.OSVersion,
		d.ConnectionType, d.PhysicalPort, d.DeviceNumber, d.Code, status,
		d.BatteryLevel, d.ErrorCount, d.LastError, d.LastSeen, d.HostID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=device.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=device.create: %w", err)
	}
	return id, nil
}

// Get loads a device by id.
func (r *DeviceRepo) Get(ctx domain.Context, id string) (domain.Device, error) {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.Get")
	defer span.End()
	return r.getBy(ctx, "device.get", "d.id=$1", id)
}

// GetByCode loads a device by its farm code (HOST01-003).
func (r *DeviceRepo) GetByCode(ctx domain.Context, code string) (domain.Device, error) {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.GetByCode")
	defer span.End()
	return r.getBy(ctx, "device.get_by_code", "upper(d.code)=upper($1)", code)
}

// GetBySerial loads a device by its ADB serial.
func (r *DeviceRepo) GetBySerial(ctx domain.Context, serial string) (domain.Device, error) {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.GetBySerial")
	defer span.End()
	return r.getBy(ctx, "device.get_by_serial", "d.serial=$1", serial)
}

// GetByAddress loads a device by its ip:port address.
func (r *DeviceRepo) GetByAddress(ctx domain.Context, addr string) (domain.Device, error) {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.GetByAddress")
	defer span.End()
	return r.getBy(ctx, "device.get_by_address", "d.address=$1", addr)
}

// List returns a filtered page of devices and the total count.
func (r *DeviceRepo) List(ctx domain.Context, f domain.DeviceFilter) ([]domain.Device, int64, error) {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.List")
	defer span.End()
	page, size := normalizePage(f.Page, f.PageSize)
	where := `($1='' OR d.status=$1)
		AND ($2='' OR d.host_id::text=$2)
		AND ($3='' OR upper(h.number)=upper($3))
		AND ($4='' OR d.connection_type=$4)
		AND (NOT $5 OR d.host_id IS NULL)`
	args := []any{f.Status, f.HostID, f.HostNumber, f.ConnectionType, f.UnassignedOnly}
	var total int64
	countQ := `SELECT count(*) FROM devices d LEFT JOIN hosts h ON h.id=d.host_id WHERE ` + where
	if err := r.Pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=device.count: %w", err)
	}
	q := `SELECT ` + deviceColumns + ` FROM devices d LEFT JOIN hosts h ON h.id=d.host_id WHERE ` + where +
		` ORDER BY h.number NULLS LAST, d.device_number, d.code LIMIT $6 OFFSET $7`
	rows, err := r.Pool.Query(ctx, q, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=device.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=device.list_scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=device.list_rows: %w", err)
	}
	return out, total, nil
}

// Update persists mutable device fields.
func (r *DeviceRepo) Update(ctx domain.Context, d domain.Device) error {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.Update")
	defer span.End()
	q := `UPDATE devices SET serial=$2, address=$3, appium_port=$4, model=$5, os_version=$6,
		connection_type=$7, physical_port=$8, status=$9, battery_level=$10,
		last_seen=$11, updated_at=$12 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, d.ID, d.Serial, d.Address, d.AppiumPort, d.Model, d.OSVersion,
		d.ConnectionType, d.PhysicalPort, d.Status, d.BatteryLevel, d.LastSeen, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=device.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=device.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a device.
func (r *DeviceRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM devices WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=device.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=device.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Assign binds a device to a host and allocates the next free per-host
// ordinal in a single statement, so concurrent assigns cannot collide.
// The code column is derived from the host number and the new ordinal.
func (r *DeviceRepo) Assign(ctx domain.Context, deviceID, hostID string) (domain.Device, error) {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.Assign")
	defer span.End()
	q := `UPDATE devices d SET
		host_id = $2,
		device_number = next.n,
		code = h.number || '-' || lpad(next.n::text, 3, '0'),
		updated_at = now()
	FROM hosts h,
		LATERAL (SELECT COALESCE(MAX(d2.device_number), 0) + 1 AS n
		         FROM devices d2 WHERE d2.host_id = $2) next
	WHERE d.id = $1 AND h.id = $2`
	tag, err := r.Pool.Exec(ctx, q, deviceID, hostID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Device{}, fmt.Errorf("op=device.assign: %w", domain.ErrConflict)
		}
		return domain.Device{}, fmt.Errorf("op=device.assign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Device{}, fmt.Errorf("op=device.assign: %w", domain.ErrNotFound)
	}
	return r.Get(ctx, deviceID)
}

// Unassign detaches a device from its host, clearing both the host link and
// the host-local ordinal.
func (r *DeviceRepo) Unassign(ctx domain.Context, deviceID string) error {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.Unassign")
	defer span.End()
	q := `UPDATE devices SET host_id=NULL, device_number=0, code='', updated_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, deviceID)
	if err != nil {
		return fmt.Errorf("op=device.unassign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=device.unassign: %w", domain.ErrNotFound)
	}
	return nil
}

// SetStatus transitions the device state and stamps last_seen for online.
func (r *DeviceRepo) SetStatus(ctx domain.Context, id string, status domain.DeviceStatus) error {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.SetStatus")
	defer span.End()
	q := `UPDATE devices SET status=$2,
		last_seen = CASE WHEN $2 IN ('online','busy') THEN now() ELSE last_seen END,
		updated_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("op=device.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=device.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// RecordError increments the device error counter and stores the message.
func (r *DeviceRepo) RecordError(ctx domain.Context, id string, lastError string) error {
	tracer := otel.Tracer("repo.devices")
	ctx, span := tracer.Start(ctx, "devices.RecordError")
	defer span.End()
	q := `UPDATE devices SET error_count = error_count + 1, last_error=$2, status='error', updated_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, lastError)
	if err != nil {
		return fmt.Errorf("op=device.record_error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=device.record_error: %w", domain.ErrNotFound)
	}
	return nil
}
