package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/doai/devicefarm/internal/adapter/observability"
	"github.com/doai/devicefarm/internal/domain"
)

// HandleRunBot executes one viewing job. Failures are classified; retryable
// codes re-run the whole job with exponential back-off until the retry
// budget is spent. A revoked task is dropped before any device work starts.
func (h *Handlers) HandleRunBot(ctx context.Context, t *asynq.Task) error {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "RunBot")
	defer span.End()

	var p domain.BotPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.run_bot: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}

	device, err := h.devices.Get(ctx, p.DeviceID)
	if err != nil {
		h.finish(ctx, p.TaskID, t.Type(), nil, fmt.Errorf("op=worker.run_bot: device: %w", err))
		return nil
	}
	if err := h.devices.SetStatus(ctx, device.ID, domain.DeviceBusy); err != nil {
		slog.Warn("device busy transition failed", slog.String("device_id", device.ID), slog.Any("error", err))
	}

	progress := func(pct int, msg string) {
		if p.TaskID != "" {
			_ = h.tasks.SetProgress(ctx, p.TaskID, pct, msg)
		}
	}

	res := h.runner.Run(ctx, device, p, progress)
	for !res.Success && res.ErrorCode != "" && domain.ErrorCode(res.ErrorCode).Retryable() && ctx.Err() == nil {
		n, err := h.tasks.IncrementRetries(ctx, p.TaskID)
		if err != nil || n > h.maxJobRetries {
			break
		}
		if err := h.tasks.Complete(ctx, p.TaskID, domain.TaskRetrying, nil, res.Error, res.ErrorCode); err != nil {
			break
		}
		slog.Info("job retrying",
			slog.String("task_id", p.TaskID),
			slog.String("code", res.ErrorCode),
			slog.Int("attempt", n))
		if err := h.sleep(ctx, domain.Backoff(h.retryBase, h.retryCap, n-1)); err != nil {
			break
		}
		// A cancel issued while we waited wins.
		if err := h.tasks.MarkRunning(ctx, p.TaskID, h.now()); err != nil {
			_ = h.devices.SetStatus(ctx, device.ID, domain.DeviceOnline)
			return nil
		}
		res = h.runner.Run(ctx, device, p, progress)
	}

	b, _ := json.Marshal(res)
	if res.Success {
		if err := h.tasks.Complete(ctx, p.TaskID, domain.TaskSuccess, b, "", ""); err != nil {
			slog.Warn("job completion write failed", slog.String("task_id", p.TaskID), slog.Any("error", err))
		}
		observability.CompleteTask(t.Type())
		_ = h.devices.SetStatus(ctx, device.ID, domain.DeviceOnline)
		slog.Info("job completed",
			slog.String("task_id", p.TaskID),
			slog.String("assignment_id", p.AssignmentID),
			slog.Int("watch_sec", res.WatchDurationSec))
		return nil
	}

	if err := h.tasks.Complete(ctx, p.TaskID, domain.TaskFailed, b, res.Error, res.ErrorCode); err != nil {
		slog.Warn("job completion write failed", slog.String("task_id", p.TaskID), slog.Any("error", err))
	}
	observability.FailTask(t.Type(), res.ErrorCode)
	if deviceClassCode(res.ErrorCode) {
		_ = h.devices.RecordError(ctx, device.ID, res.Error)
	} else {
		_ = h.devices.SetStatus(ctx, device.ID, domain.DeviceOnline)
	}
	slog.Warn("job failed",
		slog.String("task_id", p.TaskID),
		slog.String("assignment_id", p.AssignmentID),
		slog.String("code", res.ErrorCode),
		slog.String("error", res.Error))
	return nil
}

// deviceClassCode reports whether the failure indicts the handset itself.
func deviceClassCode(code string) bool {
	switch domain.ErrorCode(code) {
	case domain.CodeAppCrash, domain.CodeMemoryLow, domain.CodeBatteryLow, domain.CodeSessionExpired:
		return true
	}
	return false
}
