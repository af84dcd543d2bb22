package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/domain"
)

// JobError carries a classified failure through the orchestrator.
type JobError struct {
	Code domain.ErrorCode
	Msg  string
}

func (e *JobError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

// NewJobError builds a classified failure.
func NewJobError(code domain.ErrorCode, format string, args ...any) *JobError {
	return &JobError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary failure onto the farm error taxonomy by
// inspecting the lowercased message against fixed substrings. Already
// classified errors pass through.
func Classify(err error) domain.ErrorCode {
	var je *JobError
	if errors.As(err, &je) {
		return je.Code
	}
	if errors.Is(err, uiauto.ErrNoSuchSession) {
		return domain.CodeSessionExpired
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "net::err"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "disconnected"):
		return domain.CodeNetworkDisconnected
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return domain.CodeNetworkTimeout
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return domain.CodeRateLimited
	case strings.Contains(msg, "video unavailable"), strings.Contains(msg, "동영상을 재생할 수 없"):
		return domain.CodeVideoUnavailable
	case strings.Contains(msg, "not available in your country"), strings.Contains(msg, "region"):
		return domain.CodeRegionBlocked
	case strings.Contains(msg, "age-restricted"), strings.Contains(msg, "age restricted"):
		return domain.CodeAgeRestricted
	case strings.Contains(msg, "stall"):
		return domain.CodePlaybackStalled
	case strings.Contains(msg, "crash"), strings.Contains(msg, "not in foreground"):
		return domain.CodeAppCrash
	case strings.Contains(msg, "memory"):
		return domain.CodeMemoryLow
	case strings.Contains(msg, "screen locked"), strings.Contains(msg, "keyguard"):
		return domain.CodeScreenLocked
	case strings.Contains(msg, "battery"):
		return domain.CodeBatteryLow
	case strings.Contains(msg, "invalid session"), strings.Contains(msg, "session not"):
		return domain.CodeSessionExpired
	case strings.Contains(msg, "uiautomator"), strings.Contains(msg, "webdriver"),
		strings.Contains(msg, "no such element"):
		return domain.CodeAutomationError
	}
	return domain.CodeUnknown
}

// Recoverer executes recovery actions on a device.
type Recoverer struct {
	drv   Driver
	sleep SleepFunc
}

// NewRecoverer builds a recoverer; sleep may be nil for the real clock.
func NewRecoverer(drv Driver, sleep SleepFunc) *Recoverer {
	if sleep == nil {
		sleep = realSleep
	}
	return &Recoverer{drv: drv, sleep: sleep}
}

// Execute runs the recovery action and reports whether the device is
// considered recovered. ActionRetry only sleeps the back-off delay.
func (r *Recoverer) Execute(ctx context.Context, action domain.RecoveryAction, retryCount int) (bool, error) {
	switch action {
	case domain.ActionRetry:
		if err := r.sleep(ctx, domain.RetryDelay(retryCount)); err != nil {
			return false, err
		}
		return true, nil
	case domain.ActionWaitNetwork:
		return r.waitNetwork(ctx)
	case domain.ActionRestartApp:
		return r.restartApp(ctx, uiauto.YouTubePackage)
	case domain.ActionUnlockScreen:
		if err := r.drv.SwipeUpUnlock(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// waitNetwork polls connectivity via the device shell every 10s up to 300s.
func (r *Recoverer) waitNetwork(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(networkWaitTotal)
	for {
		out, err := r.drv.Shell(ctx, "ping", []string{"-c", "1", "-W", "3", "8.8.8.8"})
		if err == nil && strings.Contains(out, "1 received") {
			return true, nil
		}
		if time.Now().After(deadline) {
			slog.Warn("network did not recover", slog.Duration("waited", networkWaitTotal))
			return false, nil
		}
		if err := r.sleep(ctx, networkWaitInterval); err != nil {
			return false, err
		}
	}
}

// restartApp terminates, waits, reactivates, waits, then verifies
// foreground.
func (r *Recoverer) restartApp(ctx context.Context, pkg string) (bool, error) {
	if err := r.drv.TerminateApp(ctx, pkg); err != nil {
		return false, err
	}
	if err := r.sleep(ctx, restartTerminateWait); err != nil {
		return false, err
	}
	if err := r.drv.ActivateApp(ctx, pkg); err != nil {
		return false, err
	}
	if err := r.sleep(ctx, restartActivateWait); err != nil {
		return false, err
	}
	return r.drv.IsAppRunning(ctx, pkg)
}
