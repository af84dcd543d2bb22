// Package asynqadp adapts the asynq broker to the domain dispatcher and
// worker ports. Tasks are routed to per-host queues; the worker binds its
// own host queue plus the shared default queue.
package asynqadp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/doai/devicefarm/internal/adapter/observability"
	"github.com/doai/devicefarm/internal/domain"
)

// Dispatcher enqueues, revokes, and inspects broker tasks.
type Dispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	rdb       *redis.Client
}

// NewDispatcher builds a Dispatcher from a redis URI.
func NewDispatcher(redisURL string) (*Dispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.new: %w", err)
	}
	ropt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.new: %w", err)
	}
	return &Dispatcher{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		rdb:       redis.NewClient(ropt),
	}, nil
}

// Close releases broker connections.
func (d *Dispatcher) Close() error {
	err := d.client.Close()
	if cerr := d.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

// Enqueue routes the payload to the named queue and returns the broker id.
// MaxRetry is zero: retry policy lives in the worker, which decides per
// error code; a blind broker-level redelivery would break at-most-once
// dispatch for non-retryable failures.
func (d *Dispatcher) Enqueue(ctx domain.Context, kind domain.TaskKind, queue string, payload any) (string, error) {
	if queue == "" {
		queue = domain.DefaultQueue
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=dispatcher.enqueue: %w", err)
	}
	t := asynq.NewTask(string(kind), b)
	info, err := d.client.EnqueueContext(ctx, t,
		asynq.Queue(queue),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", fmt.Errorf("op=dispatcher.enqueue: %w", err)
	}
	observability.EnqueueTask(string(kind))
	return info.ID, nil
}

// Revoke terminates an in-flight or pending broker task. A running task is
// cancelled cooperatively through its context; a queued one is deleted.
func (d *Dispatcher) Revoke(ctx domain.Context, queue, brokerID string) error {
	if queue == "" {
		queue = domain.DefaultQueue
	}
	if err := d.inspector.CancelProcessing(brokerID); err != nil {
		return fmt.Errorf("op=dispatcher.revoke: %w", err)
	}
	err := d.inspector.DeleteTask(queue, brokerID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return fmt.Errorf("op=dispatcher.revoke: %w", domain.ErrNotFound)
	default:
		// An active task cannot be deleted; the cancel above stops it.
		if info, ierr := d.inspector.GetTaskInfo(queue, brokerID); ierr == nil && info.State == asynq.TaskStateActive {
			return nil
		}
		return fmt.Errorf("op=dispatcher.revoke: %w", err)
	}
}

// BrokerState reports the broker's view of a task id.
func (d *Dispatcher) BrokerState(ctx domain.Context, queue, brokerID string) (string, error) {
	if queue == "" {
		queue = domain.DefaultQueue
	}
	info, err := d.inspector.GetTaskInfo(queue, brokerID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return "", fmt.Errorf("op=dispatcher.broker_state: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=dispatcher.broker_state: %w", err)
	}
	return info.State.String(), nil
}

// Workers enumerates live worker processes and their subscribed queues.
func (d *Dispatcher) Workers(ctx domain.Context) ([]domain.WorkerInfo, error) {
	servers, err := d.inspector.Servers()
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.workers: %w", err)
	}
	out := make([]domain.WorkerInfo, 0, len(servers))
	for _, s := range servers {
		queues := make([]string, 0, len(s.Queues))
		for q := range s.Queues {
			queues = append(queues, q)
		}
		out = append(out, domain.WorkerInfo{
			Host:    fmt.Sprintf("%s/%d", s.Host, s.PID),
			Queues:  queues,
			Started: s.Started,
		})
	}
	return out, nil
}

// Queues reports per-queue depth.
func (d *Dispatcher) Queues(ctx domain.Context) ([]domain.QueueInfo, error) {
	names, err := d.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.queues: %w", err)
	}
	out := make([]domain.QueueInfo, 0, len(names))
	for _, name := range names {
		qi, err := d.inspector.GetQueueInfo(name)
		if err != nil {
			continue
		}
		out = append(out, domain.QueueInfo{
			Name:      name,
			Pending:   qi.Pending,
			Active:    qi.Active,
			Retry:     qi.Retry,
			Scheduled: qi.Scheduled,
		})
	}
	return out, nil
}

// Ping verifies broker connectivity.
func (d *Dispatcher) Ping(ctx domain.Context) error {
	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=dispatcher.ping: %w", domain.ErrUnavailable)
	}
	return nil
}
