package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
)

var playerTimeChain = []uiauto.Selector{
	uiauto.ByID("time_bar_current_time"),
	uiauto.ByClass("android.widget.TextView"),
}

// ProgressFunc receives overall job progress [0,100] and a message.
type ProgressFunc func(progress int, message string)

// Watcher runs the watch phase: 5-second ticks interleaving ad polling,
// forward skips, progress reporting, and liveness checks. Single goroutine;
// the skipper and stall monitor are polled inline.
type Watcher struct {
	drv     Driver
	skipper *AdSkipper
	stall   *StallMonitor
	sleep   SleepFunc
	now     func() time.Time
	report  ProgressFunc
}

// NewWatcher builds a watcher. sleep and now may be nil for the real clock;
// report may be nil to drop progress.
func NewWatcher(drv Driver, skipper *AdSkipper, sleep SleepFunc, now func() time.Time, report ProgressFunc) *Watcher {
	if sleep == nil {
		sleep = realSleep
	}
	if now == nil {
		now = time.Now
	}
	if report == nil {
		report = func(int, string) {}
	}
	return &Watcher{
		drv:     drv,
		skipper: skipper,
		stall:   NewStallMonitor(StallTimeout, now),
		sleep:   sleep,
		now:     now,
		report:  report,
	}
}

// Run watches for targetSec seconds. Returns the outcome and the seconds
// actually watched.
func (w *Watcher) Run(ctx context.Context, targetSec int) (WatchOutcome, int, error) {
	if targetSec <= 0 {
		return WatchCompleted, 0, nil
	}
	elapsed := 0
	nextSkipPct := watchPct
	lastReport := w.now()
	nextReportAt := ProgressReportInterval

	for elapsed < targetSec {
		if _, err := w.skipper.TrySkip(ctx); err != nil {
			return WatchCrashed, elapsed, err
		}
		if err := w.sleep(ctx, AdCheckInterval); err != nil {
			return WatchTimedOut, elapsed, err
		}
		elapsed += int(AdCheckInterval.Seconds())

		// Forward-skip every watchPct percent of the target.
		pct := elapsed * 100 / targetSec
		if pct >= nextSkipPct && pct < 100 {
			if err := w.forwardSkip(ctx); err != nil {
				return WatchCrashed, elapsed, err
			}
			nextSkipPct += watchPct
		}

		if time.Duration(elapsed)*time.Second >= nextReportAt {
			w.report(mapWatchProgress(elapsed, targetSec), "watching")
			lastReport = w.now()
			nextReportAt += ProgressReportInterval
		}

		running, err := w.drv.IsAppRunning(ctx, uiauto.YouTubePackage)
		if err != nil {
			return WatchCrashed, elapsed, err
		}
		if !running {
			return WatchCrashed, elapsed, nil
		}

		if pos, ok := w.playerPosition(ctx); ok {
			w.stall.Update(pos)
		}
		if w.stall.Stalled() {
			return WatchStalled, elapsed, nil
		}
		if w.now().Sub(lastReport) > DeviceTimeout {
			return WatchTimedOut, elapsed, nil
		}
	}
	w.report(progressWatchHi, "watch complete")
	return WatchCompleted, elapsed, nil
}

// forwardSkip double-taps the player's right region (10s advance).
func (w *Watcher) forwardSkip(ctx context.Context) error {
	width, height, err := w.drv.WindowSize(ctx)
	if err != nil {
		return err
	}
	return w.drv.DoubleTapAt(ctx, int(float64(width)*forwardSkipX), int(float64(height)*forwardSkipY))
}

// playerPosition reads the player's elapsed-time text ("m:ss") when visible.
func (w *Watcher) playerPosition(ctx context.Context) (int, bool) {
	el, err := w.drv.Find(ctx, playerTimeChain, time.Second)
	if err != nil || el == nil {
		return 0, false
	}
	txt, err := el.Text(ctx)
	if err != nil {
		return 0, false
	}
	sec, ok := parseClock(txt)
	return sec, ok
}

// parseClock parses "m:ss" or "h:mm:ss" into seconds.
func parseClock(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

// mapWatchProgress maps watch elapsed/target linearly onto the overall
// [20,85] progress window.
func mapWatchProgress(elapsed, target int) int {
	if target <= 0 {
		return progressWatchHi
	}
	if elapsed > target {
		elapsed = target
	}
	return progressWatchLo + elapsed*(progressWatchHi-progressWatchLo)/target
}
