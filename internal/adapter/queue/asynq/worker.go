package asynqadp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/doai/devicefarm/internal/config"
	"github.com/doai/devicefarm/internal/domain"
)

// Worker consumes the host queue plus the shared default queue. The host
// queue carries device-bound work; default carries fleet-wide chores any
// host may pick up.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds the consumer for one host. Concurrency is capped by the
// adb budget: each in-flight task may hold a device.
func NewWorker(cfg config.Config, handlers *Handlers) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("op=worker.new: %w", err)
	}
	queue := cfg.QueueName()
	if queue == "" {
		return nil, fmt.Errorf("op=worker.new: host number or worker queue required: %w", domain.ErrInvalidArgument)
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.MaxConcurrentADB,
		Queues: map[string]int{
			queue:               5,
			domain.DefaultQueue: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			slog.Error("task handler error", slog.String("kind", task.Type()), slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()
	handlers.Register(mux)
	return &Worker{server: srv, mux: mux}, nil
}

// Start begins consuming; it does not block.
func (w *Worker) Start(ctx context.Context) error { return w.server.Start(w.mux) }

// Stop drains in-flight tasks and shuts the consumer down.
func (w *Worker) Stop() { w.server.Shutdown() }
