// Package domain defines the farm's entities, ports, and error policy.
package domain

import "time"

// ErrorCode classifies job failures into the farm taxonomy.
type ErrorCode string

const (
	// Network
	CodeNetworkDisconnected ErrorCode = "E1001"
	CodeNetworkTimeout      ErrorCode = "E1002"
	CodeRateLimited         ErrorCode = "E1003"
	// YouTube
	CodeVideoUnavailable ErrorCode = "E2001"
	CodeRegionBlocked    ErrorCode = "E2002"
	CodeAgeRestricted    ErrorCode = "E2003"
	CodePlaybackStalled  ErrorCode = "E2004"
	// Device
	CodeAppCrash     ErrorCode = "E3001"
	CodeMemoryLow    ErrorCode = "E3002"
	CodeScreenLocked ErrorCode = "E3003"
	CodeBatteryLow   ErrorCode = "E3004"
	// System
	CodeUnknown         ErrorCode = "E4001"
	CodeSessionExpired  ErrorCode = "E4002"
	CodeAutomationError ErrorCode = "E4003"
)

// RecoveryAction is what the runner should do about a classified failure.
type RecoveryAction string

const (
	ActionFail         RecoveryAction = "fail"
	ActionRetry        RecoveryAction = "retry"
	ActionWaitNetwork  RecoveryAction = "wait_network"
	ActionRestartApp   RecoveryAction = "restart_app"
	ActionUnlockScreen RecoveryAction = "unlock_screen"
)

// MaxRetryCount bounds in-job recovery attempts.
const MaxRetryCount = 3

// Retry delay bounds: delay = min(base * 2^k, max).
const (
	RetryBaseDelay = 5 * time.Second
	RetryMaxDelay  = 60 * time.Second
)

var nonRetryable = map[ErrorCode]bool{
	CodeVideoUnavailable: true,
	CodeRegionBlocked:    true,
	CodeMemoryLow:        true,
	CodeBatteryLow:       true,
}

// Retryable reports whether the code admits another attempt at all.
func (c ErrorCode) Retryable() bool { return !nonRetryable[c] }

// RecoverActionFor returns the action for a classified failure at the given
// retry count. Session-level codes return fail: the caller must recreate the
// session rather than retry inside it.
func RecoverActionFor(code ErrorCode, retryCount int) RecoveryAction {
	if nonRetryable[code] || retryCount >= MaxRetryCount {
		return ActionFail
	}
	switch code {
	case CodeNetworkDisconnected:
		return ActionWaitNetwork
	case CodeAppCrash:
		return ActionRestartApp
	case CodeScreenLocked:
		return ActionUnlockScreen
	case CodeSessionExpired, CodeAutomationError:
		return ActionFail
	}
	return ActionRetry
}

// Backoff computes the exponential delay for attempt k with the given bounds.
func Backoff(base, limit time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// RetryDelay computes the exponential back-off for attempt k with the
// default bounds.
func RetryDelay(retryCount int) time.Duration {
	return Backoff(RetryBaseDelay, RetryMaxDelay, retryCount)
}
