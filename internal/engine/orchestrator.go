package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/domain"
)

// JobParams is the explicit parameter record of one viewing job.
type JobParams struct {
	AssignmentID  string
	TargetURL     string
	Keyword       string
	VideoTitle    string
	DurationSec   int
	MinPct        int
	MaxPct        int
	ProbLike      int
	ProbComment   int
	ProbSubscribe int
	ProbPlaylist  int
	CommentText   string
}

// JobResult is the aggregate outcome. Run never panics and never returns a
// raw driver error; failures are classified into ErrorCode.
type JobResult struct {
	Success          bool              `json:"success"`
	SearchSuccess    bool              `json:"search_success"`
	WatchDurationSec int               `json:"watch_duration_sec"`
	NavOutcome       string            `json:"nav_outcome"`
	WatchOutcome     string            `json:"watch_outcome,omitempty"`
	AdsDetected      int               `json:"ads_detected"`
	AdsSkipped       int               `json:"ads_skipped"`
	Interactions     InteractionResult `json:"interactions"`
	ErrorCode        string            `json:"error_code,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// Orchestrator drives one job on one leased session.
type Orchestrator struct {
	Drv      Driver
	Recorder *uiauto.Recorder
	Rand     *rand.Rand
	Sleep    SleepFunc
	Now      func() time.Time
	Progress ProgressFunc
}

// NewOrchestrator wires an orchestrator with real clock defaults.
func NewOrchestrator(drv Driver, rec *uiauto.Recorder, rng *rand.Rand, progress ProgressFunc) *Orchestrator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Interaction jitter, not security.
	}
	if progress == nil {
		progress = func(int, string) {}
	}
	return &Orchestrator{Drv: drv, Recorder: rec, Rand: rng, Sleep: realSleep, Now: time.Now, Progress: progress}
}

// Run executes the full job: evidence start, app launch, navigation, watch,
// interactions, evidence finish. It always finalizes evidence and always
// returns a JobResult.
func (o *Orchestrator) Run(ctx context.Context, p JobParams) JobResult {
	var res JobResult
	if err := o.Recorder.StartJob(p.AssignmentID); err != nil {
		slog.Warn("evidence dir unavailable", slog.Any("error", err))
	}
	defer func() {
		if err := o.Recorder.FinishJob(uiauto.JobResultFields{
			Success:          res.Success,
			SearchSuccess:    res.SearchSuccess,
			WatchDurationSec: res.WatchDurationSec,
			Error:            res.Error,
		}); err != nil {
			slog.Warn("evidence manifest write failed", slog.Any("error", err))
		}
	}()

	if fail := o.launch(ctx, &res); fail {
		return res
	}

	nav := o.navigate(ctx, p, &res)
	res.NavOutcome = nav.String()
	if nav != NavFound {
		o.failWith(ctx, &res, NewJobError(domain.CodeVideoUnavailable, "navigation %s", nav))
		return res
	}
	res.SearchSuccess = true
	o.Recorder.Capture(ctx, "video_found")
	o.Progress(progressWatchLo, "video found")

	target := o.targetDuration(p)
	o.Recorder.Capture(ctx, "watch_start")
	skipper := NewAdSkipper(o.Drv)
	watcher := NewWatcher(o.Drv, skipper, o.Sleep, o.Now, o.Progress)
	outcome, watched, err := watcher.Run(ctx, target)
	res.WatchOutcome = outcome.String()
	res.WatchDurationSec = watched
	res.AdsDetected = skipper.Detected
	res.AdsSkipped = skipper.Skipped
	if err != nil {
		o.failWith(ctx, &res, err)
		return res
	}
	switch outcome {
	case WatchCrashed:
		o.failWith(ctx, &res, NewJobError(domain.CodeAppCrash, "app not in foreground during watch"))
		return res
	case WatchStalled:
		o.failWith(ctx, &res, NewJobError(domain.CodePlaybackStalled, "playback stalled for %s", StallTimeout))
		return res
	case WatchTimedOut:
		o.failWith(ctx, &res, NewJobError(domain.CodeNetworkTimeout, "no progress for %s", DeviceTimeout))
		return res
	}
	o.Recorder.Capture(ctx, "watch_end")

	inter := NewInteractor(o.Drv, o.Rand, o.Sleep)
	ir, err := inter.Run(ctx, InteractParams{
		ProbLike:      p.ProbLike,
		ProbSubscribe: p.ProbSubscribe,
		ProbPlaylist:  p.ProbPlaylist,
		ProbComment:   p.ProbComment,
		CommentText:   p.CommentText,
	})
	res.Interactions = ir
	if err != nil {
		o.failWith(ctx, &res, err)
		return res
	}
	o.Recorder.Capture(ctx, "interactions_done")
	o.Progress(100, "done")
	res.Success = true
	return res
}

// launch activates the app and verifies foreground. Returns true on failure.
func (o *Orchestrator) launch(ctx context.Context, res *JobResult) bool {
	if err := o.Drv.ActivateApp(ctx, uiauto.YouTubePackage); err != nil {
		o.failWith(ctx, res, err)
		return true
	}
	if err := o.Sleep(ctx, 3*time.Second); err != nil {
		o.failWith(ctx, res, err)
		return true
	}
	running, err := o.Drv.IsAppRunning(ctx, uiauto.YouTubePackage)
	if err != nil {
		o.failWith(ctx, res, err)
		return true
	}
	if !running {
		o.failWith(ctx, res, NewJobError(domain.CodeAppCrash, "app did not reach foreground"))
		return true
	}
	o.Progress(10, "app launched")
	return false
}

// navigate picks URL, search, or random-surf mode.
func (o *Orchestrator) navigate(ctx context.Context, p JobParams, res *JobResult) NavOutcome {
	nav := NewNavigator(o.Drv, o.Sleep)
	o.Recorder.Capture(ctx, "search")
	var outcome NavOutcome
	var err error
	switch {
	case p.TargetURL != "":
		outcome, err = nav.OpenByURL(ctx, p.TargetURL)
	case p.Keyword != "":
		outcome, err = nav.SearchAndSelect(ctx, p.Keyword, p.VideoTitle)
	default:
		outcome, err = nav.RandomSurf(ctx, o.Rand)
	}
	if err != nil {
		o.failWith(ctx, res, err)
		return NavNotFound
	}
	return outcome
}

// targetDuration samples uniformly in [dur*minPct/100, dur*maxPct/100].
func (o *Orchestrator) targetDuration(p JobParams) int {
	dur := p.DurationSec
	if dur <= 0 {
		dur = DefaultVideoDuration
	}
	lo, hi := p.MinPct, p.MaxPct
	if lo <= 0 {
		lo = 100
	}
	if hi < lo {
		hi = lo
	}
	minSec := dur * lo / 100
	maxSec := dur * hi / 100
	if maxSec <= minSec {
		return minSec
	}
	return minSec + o.Rand.Intn(maxSec-minSec+1)
}

// failWith classifies the failure, captures an error screenshot, and fills
// the result's error fields.
func (o *Orchestrator) failWith(ctx context.Context, res *JobResult, err error) {
	code := Classify(err)
	res.ErrorCode = string(code)
	res.Error = err.Error()
	o.Recorder.Capture(ctx, "error")
	slog.Error("job failed", slog.String("code", string(code)), slog.Any("error", err))
}
