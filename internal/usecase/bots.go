package usecase

import (
	"fmt"

	"github.com/doai/devicefarm/internal/domain"
)

// BotService dispatches viewing jobs and stop requests.
type BotService struct {
	Tasks TaskService
}

// NewBotService constructs a BotService over the task dispatcher.
func NewBotService(t TaskService) BotService { return BotService{Tasks: t} }

// validateJob checks the job parameter record. Target URL and keyword are
// both optional: a job with neither surfs the home feed instead.
func validateJob(p domain.BotPayload) error {
	if p.AssignmentID == "" {
		return fmt.Errorf("%w: assignment_id required", domain.ErrInvalidArgument)
	}
	if p.MinPct < 0 || p.MaxPct > 100 || (p.MaxPct != 0 && p.MinPct > p.MaxPct) {
		return fmt.Errorf("%w: duration percent window [%d,%d] invalid", domain.ErrInvalidArgument, p.MinPct, p.MaxPct)
	}
	for _, prob := range []int{p.ProbLike, p.ProbComment, p.ProbSubscribe, p.ProbPlaylist} {
		if prob < 0 || prob > 100 {
			return fmt.Errorf("%w: interaction probability %d out of range", domain.ErrInvalidArgument, prob)
		}
	}
	return nil
}

// StartJob validates the job parameter record and dispatches a run-bot task
// to the device's host queue.
func (s BotService) StartJob(ctx domain.Context, deviceID string, p domain.BotPayload) (DispatchResult, error) {
	if err := validateJob(p); err != nil {
		return DispatchResult{}, err
	}
	p.DeviceID = deviceID
	return s.Tasks.Dispatch(ctx, domain.TaskRunBot, deviceID, p)
}

// StartAppiumJob runs the same job record through the pooled automation
// sessions instead of the per-device script path.
func (s BotService) StartAppiumJob(ctx domain.Context, deviceID string, p domain.BotPayload) (DispatchResult, error) {
	if err := validateJob(p); err != nil {
		return DispatchResult{}, err
	}
	p.DeviceID = deviceID
	return s.Tasks.Dispatch(ctx, domain.TaskAppiumRunBot, deviceID, p)
}

// StopJob cancels the running task and dispatches a stop-bot task that
// reclaims the device's automation session.
func (s BotService) StopJob(ctx domain.Context, deviceID, taskID string) (DispatchResult, error) {
	if taskID != "" {
		if err := s.Tasks.Cancel(ctx, taskID); err != nil {
			return DispatchResult{}, err
		}
	}
	return s.Tasks.Dispatch(ctx, domain.TaskStopBot, deviceID, domain.StopPayload{DeviceID: deviceID})
}

// StopAppiumSession releases the pooled session bound to a device.
func (s BotService) StopAppiumSession(ctx domain.Context, deviceID string) (DispatchResult, error) {
	return s.Tasks.Dispatch(ctx, domain.TaskAppiumStopSession, deviceID, domain.StopPayload{DeviceID: deviceID})
}
