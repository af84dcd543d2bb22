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

// HostRepo persists and loads worker hosts.
type HostRepo struct{ Pool PgxPool }

// NewHostRepo constructs a HostRepo with the given pool.
func NewHostRepo(p PgxPool) *HostRepo { return &HostRepo{Pool: p} }

const hostColumns = `id, number, address, label, location, max_devices, last_heartbeat, status, created_at, updated_at`

func scanHost(row pgx.Row) (domain.Host, error) {
	var h domain.Host
	err := row.Scan(&h.ID, &h.Number, &h.Address, &h.Label, &h.Location, &h.MaxDevices, &h.LastHeartbeat, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	return h, err
}

// Create inserts a new host. Number collisions map to ErrConflict.
func (r *HostRepo) Create(ctx domain.Context, h domain.Host) (string, error) {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.Create")
	defer span.End()
	id := h.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := h.Status
	if status == "" {
		status = domain.HostOffline
	}
	q := `INSERT INTO hosts (id, number, address, label, location, max_devices, status, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	now := time.Now().UTC()
	if _, err := r.Pool.Exec(ctx, q, id, h.Number, h.Address, h.Label, h.Location, h.MaxDevices, status, now, now); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=host.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=host.create: %w", err)
	}
	return id, nil
}

// Get loads a host by id.
func (r *HostRepo) Get(ctx domain.Context, id string) (domain.Host, error) {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.Get")
	defer span.End()
	h, err := scanHost(r.Pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Host{}, fmt.Errorf("op=host.get: %w", domain.ErrNotFound)
		}
		return domain.Host{}, fmt.Errorf("op=host.get: %w", err)
	}
	return h, nil
}

// GetByNumber loads a host by its human-readable number.
func (r *HostRepo) GetByNumber(ctx domain.Context, number string) (domain.Host, error) {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.GetByNumber")
	defer span.End()
	h, err := scanHost(r.Pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE upper(number)=upper($1)`, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Host{}, fmt.Errorf("op=host.get_by_number: %w", domain.ErrNotFound)
		}
		return domain.Host{}, fmt.Errorf("op=host.get_by_number: %w", err)
	}
	return h, nil
}

// List returns a filtered page of hosts and the total count.
func (r *HostRepo) List(ctx domain.Context, f domain.HostFilter) ([]domain.Host, int64, error) {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.List")
	defer span.End()
	page, size := normalizePage(f.Page, f.PageSize)
	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM hosts WHERE ($1='' OR status=$1)`, f.Status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=host.count: %w", err)
	}
	q := `SELECT ` + hostColumns + ` FROM hosts WHERE ($1='' OR status=$1) ORDER BY number LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, f.Status, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("op=host.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=host.list_scan: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=host.list_rows: %w", err)
	}
	return out, total, nil
}

// Update persists mutable host fields.
func (r *HostRepo) Update(ctx domain.Context, h domain.Host) error {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.Update")
	defer span.End()
	q := `UPDATE hosts SET address=$2, label=$3, location=$4, max_devices=$5, status=$6, updated_at=$7 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, h.ID, h.Address, h.Label, h.Location, h.MaxDevices, h.Status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=host.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=host.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a host.
func (r *HostRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM hosts WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=host.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=host.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Heartbeat upserts liveness: last_heartbeat=now, status=online. Idempotent
// modulo the timestamp.
func (r *HostRepo) Heartbeat(ctx domain.Context, number string, at time.Time) error {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.Heartbeat")
	defer span.End()
	q := `UPDATE hosts SET last_heartbeat=$2, status=$3, updated_at=$2 WHERE upper(number)=upper($1)`
	tag, err := r.Pool.Exec(ctx, q, number, at.UTC(), domain.HostOnline)
	if err != nil {
		return fmt.Errorf("op=host.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=host.heartbeat: %w", domain.ErrNotFound)
	}
	return nil
}

// Summary returns the per-host fleet rollup.
func (r *HostRepo) Summary(ctx domain.Context) ([]domain.HostSummary, error) {
	tracer := otel.Tracer("repo.hosts")
	ctx, span := tracer.Start(ctx, "hosts.Summary")
	defer span.End()
	q := `SELECT h.id, h.number, h.status, h.max_devices, h.last_heartbeat,
	count(d.id),
	count(d.id) FILTER (WHERE d.status='online'),
	count(d.id) FILTER (WHERE d.status='busy'),
	count(d.id) FILTER (WHERE d.status='error')
	FROM hosts h LEFT JOIN devices d ON d.host_id=h.id
	GROUP BY h.id, h.number, h.status, h.max_devices, h.last_heartbeat
	ORDER BY h.number`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=host.summary: %w", err)
	}
	defer rows.Close()
	var out []domain.HostSummary
	for rows.Next() {
		var s domain.HostSummary
		if err := rows.Scan(&s.HostID, &s.HostNumber, &s.Status, &s.MaxDevices, &s.LastHeartbeat, &s.DeviceCount, &s.OnlineCount, &s.BusyCount, &s.ErrorCount); err != nil {
			return nil, fmt.Errorf("op=host.summary_scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=host.summary_rows: %w", err)
	}
	return out, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	return page, size
}
