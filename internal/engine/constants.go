// Package engine runs viewing jobs on a single device: navigation, the
// watch loop with inline ad skipping and stall detection, probabilistic
// interactions, and failure classification with recovery.
package engine

import "time"

// Element-wait budgets.
const (
	TimeoutElementDefault = 10 * time.Second
	TimeoutElementShort   = 3 * time.Second
	TimeoutVideoLoad      = 15 * time.Second
	TimeoutAdCheck        = 3 * time.Second
)

// Search flow.
const (
	MaxScrollAttempts = 10
	scrollPause       = 1500 * time.Millisecond
)

// Watch loop.
const (
	AdCheckInterval        = 5 * time.Second
	ProgressReportInterval = 10 * time.Second
	DefaultVideoDuration   = 180 // seconds
	DeviceTimeout          = 20 * time.Minute
	StallTimeout           = 120 * time.Second

	// Forward-skip gesture: double tap at this screen fraction advances 10s.
	forwardSkipX = 0.75
	forwardSkipY = 0.40
	// A forward skip fires every watchPct percent of the target duration.
	watchPct = 10

	// The watch phase maps onto this slice of overall job progress.
	progressWatchLo = 20
	progressWatchHi = 85
)

// Network recovery.
const (
	networkWaitTotal    = 300 * time.Second
	networkWaitInterval = 10 * time.Second
)

// Restart-app settle times.
const (
	restartTerminateWait = 2 * time.Second
	restartActivateWait  = 5 * time.Second
)

// Interaction state markers. The farm runs mixed-locale devices, so both
// English and Korean UI strings are recognized.
var (
	alreadyLikedMarkers      = []string{"liked", "좋아요를 취소"}
	alreadySubscribedMarkers = []string{"Subscribed", "구독중"}
)

// commentTemplates are used when no comment text is supplied.
var commentTemplates = []string{
	"좋은 영상 감사합니다!",
	"잘 보고 갑니다~",
	"유익한 내용이네요",
	"구독하고 갑니다!",
	"오늘도 좋은 영상 감사해요",
}
