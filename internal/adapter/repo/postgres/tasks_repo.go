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

// TaskRepo mirrors dispatched broker tasks in the database.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, broker_id, kind, queue, status, device_id, host_id, payload, result,
	error, error_code, retries, progress, progress_msg, created_at, started_at,
	completed_at, duration_sec`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.BrokerID, &t.Kind, &t.Queue, &t.Status, &t.DeviceID, &t.HostID,
		&t.Payload, &t.Result, &t.Error, &t.ErrorCode, &t.Retries, &t.Progress,
		&t.ProgressMsg, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.DurationSec)
	return t, err
}

// Create inserts a freshly dispatched task row in pending state.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO tasks (id, broker_id, kind, queue, status, device_id, host_id, payload,
		error, error_code, retries, progress, progress_msg, created_at)
		VALUES ($1,$2,$3,$4,'pending',$5,$6,$7,'','',0,0,'',$8)`
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := r.Pool.Exec(ctx, q, id, t.BrokerID, t.Kind, t.Queue, t.DeviceID, t.HostID, t.Payload, created); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=task.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	t, err := scanTask(r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// GetByBrokerID loads a task by the id the broker assigned at enqueue.
func (r *TaskRepo) GetByBrokerID(ctx domain.Context, brokerID string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.GetByBrokerID")
	defer span.End()
	t, err := scanTask(r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE broker_id=$1`, brokerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get_by_broker_id: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get_by_broker_id: %w", err)
	}
	return t, nil
}

// List returns a filtered page of tasks, newest first, and the total count.
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	page, size := normalizePage(f.Page, f.PageSize)
	where := `($1='' OR status=$1) AND ($2='' OR kind=$2)
		AND ($3='' OR host_id::text=$3) AND ($4='' OR device_id::text=$4)`
	args := []any{f.Status, f.Kind, f.HostID, f.DeviceID}
	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=task.count: %w", err)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where + ` ORDER BY created_at DESC LIMIT $5 OFFSET $6`
	rows, err := r.Pool.Query(ctx, q, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=task.list_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=task.list_rows: %w", err)
	}
	return out, total, nil
}

// MarkRunning transitions pending/retrying -> running. started_at is stamped
// once; a retry re-entering running keeps the original start so the recorded
// duration spans the whole job. A terminal row is left untouched so a cancel
// racing a start cannot revive the task.
func (r *TaskRepo) MarkRunning(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkRunning")
	defer span.End()
	q := `UPDATE tasks SET status='running', started_at = COALESCE(started_at, $2), progress_msg='started'
		WHERE id=$1 AND status IN ('pending','retrying')`
	tag, err := r.Pool.Exec(ctx, q, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=task.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.mark_running: %w", domain.ErrConflict)
	}
	return nil
}

// SetProgress updates the progress gauge on a running task.
func (r *TaskRepo) SetProgress(ctx domain.Context, id string, progress int, msg string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetProgress")
	defer span.End()
	q := `UPDATE tasks SET progress=$2, progress_msg=$3 WHERE id=$1 AND status='running'`
	if _, err := r.Pool.Exec(ctx, q, id, progress, msg); err != nil {
		return fmt.Errorf("op=task.set_progress: %w", err)
	}
	return nil
}

// Complete moves a task to a terminal status, stamping completed_at and the
// wall-clock duration. A row already terminal is not rewritten.
func (r *TaskRepo) Complete(ctx domain.Context, id string, status domain.TaskStatus, result []byte, errMsg, errCode string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Complete")
	defer span.End()
	if !status.Terminal() && status != domain.TaskRetrying {
		return fmt.Errorf("op=task.complete: status %q: %w", status, domain.ErrInvalidArgument)
	}
	q := `UPDATE tasks SET status=$2, result=$3, error=$4, error_code=$5,
		completed_at = CASE WHEN $2 IN ('success','failed','cancelled') THEN now() ELSE NULL END,
		duration_sec = CASE WHEN $2 IN ('success','failed','cancelled') AND started_at IS NOT NULL
			THEN EXTRACT(EPOCH FROM now() - started_at) ELSE duration_sec END
		WHERE id=$1 AND status NOT IN ('success','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, status, result, errMsg, errCode)
	if err != nil {
		return fmt.Errorf("op=task.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.complete: %w", domain.ErrConflict)
	}
	return nil
}

// IncrementRetries bumps the retry counter atomically and returns the new
// value, so concurrent failure paths never double count.
func (r *TaskRepo) IncrementRetries(ctx domain.Context, id string) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.IncrementRetries")
	defer span.End()
	var n int
	err := r.Pool.QueryRow(ctx, `UPDATE tasks SET retries = retries + 1 WHERE id=$1 RETURNING retries`, id).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=task.increment_retries: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=task.increment_retries: %w", err)
	}
	return n, nil
}

// Stats aggregates the task table by status plus the mean terminal duration.
func (r *TaskRepo) Stats(ctx domain.Context) (domain.TaskStats, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Stats")
	defer span.End()
	q := `SELECT count(*),
		count(*) FILTER (WHERE status='pending'),
		count(*) FILTER (WHERE status='running'),
		count(*) FILTER (WHERE status='success'),
		count(*) FILTER (WHERE status='failed'),
		count(*) FILTER (WHERE status='retrying'),
		count(*) FILTER (WHERE status='cancelled'),
		COALESCE(avg(duration_sec) FILTER (WHERE duration_sec IS NOT NULL), 0)
		FROM tasks`
	var s domain.TaskStats
	err := r.Pool.QueryRow(ctx, q).Scan(&s.Total, &s.Pending, &s.Running, &s.Success,
		&s.Failed, &s.Retrying, &s.Cancelled, &s.AvgSeconds)
	if err != nil {
		return domain.TaskStats{}, fmt.Errorf("op=task.stats: %w", err)
	}
	return s, nil
}

// Recent returns the newest tasks for the dashboard feed.
func (r *TaskRepo) Recent(ctx domain.Context, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Recent")
	defer span.End()
	if limit < 1 || limit > 100 {
		limit = 20
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.recent: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.recent_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.recent_rows: %w", err)
	}
	return out, nil
}
