package asynqadp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/doai/devicefarm/internal/domain"
)

// Scheduler registers the periodic fleet chores on the host queue.
type Scheduler struct {
	sched *asynq.Scheduler
}

// NewScheduler wires the recurring entries: batch health every 5 minutes,
// log collection hourly, automation server health every 10 minutes.
func NewScheduler(redisURL, queue string) (*Scheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.new: %w", err)
	}
	sched := asynq.NewScheduler(opt, nil)

	empty, _ := json.Marshal(domain.DevicePayload{})
	batch, _ := json.Marshal(domain.BatchPayload{})

	entries := []struct {
		spec string
		kind domain.TaskKind
		body []byte
	}{
		{"@every 5m", domain.TaskBatchHealthCheck, batch},
		{"@every 1h", domain.TaskCollectLogs, empty},
		{"@every 10m", domain.TaskAppiumHealth, empty},
	}
	for _, e := range entries {
		id, err := sched.Register(e.spec, asynq.NewTask(string(e.kind), e.body), asynq.Queue(queue))
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.register %s: %w", e.kind, err)
		}
		slog.Info("schedule registered", slog.String("kind", string(e.kind)), slog.String("spec", e.spec), slog.String("entry", id))
	}
	return &Scheduler{sched: sched}, nil
}

// Run blocks until shutdown.
func (s *Scheduler) Run() error { return s.sched.Run() }

// Stop shuts the scheduler down.
func (s *Scheduler) Stop() { s.sched.Shutdown() }
