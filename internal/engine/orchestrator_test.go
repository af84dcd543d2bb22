package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/domain"
)

func newTestOrchestrator(t *testing.T, drv Driver, clock *vclock) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	o := &Orchestrator{
		Drv:      drv,
		Recorder: uiauto.NewRecorder(dir, drv),
		Rand:     rand.New(rand.NewSource(1)), //nolint:gosec // Deterministic test seed.
		Sleep:    clock.Sleep,
		Now:      clock.Now,
		Progress: func(int, string) {},
	}
	return o, dir
}

func TestOrchestrator_URLJobShortWatch(t *testing.T) {
	clock := newVClock()
	drv := newFakeDriver(clock)
	timeEl := drv.addElem("time_bar_current_time")
	timeEl.text = func() string { return clock.Now().Format("4:05") }
	like := drv.addElem("like_button")

	dir := t.TempDir()
	var reports []int
	o := &Orchestrator{
		Drv:      drv,
		Recorder: uiauto.NewRecorder(dir, drv),
		Rand:     rand.New(rand.NewSource(1)), //nolint:gosec // Deterministic test seed.
		Sleep:    clock.Sleep,
		Now:      clock.Now,
		Progress: func(p int, _ string) { reports = append(reports, p) },
	}

	res := o.Run(context.Background(), JobParams{
		AssignmentID: "A1",
		TargetURL:    "https://youtu.be/X",
		DurationSec:  30,
		MinPct:       50,
		MaxPct:       50,
		ProbLike:     100,
	})

	assert.True(t, res.Success)
	assert.True(t, res.SearchSuccess)
	assert.Equal(t, "found", res.NavOutcome)
	assert.Equal(t, "completed", res.WatchOutcome)
	assert.Equal(t, 15, res.WatchDurationSec)
	assert.True(t, res.Interactions.DidLike)
	assert.Equal(t, 1, like.clicks)
	assert.Equal(t, []string{"https://youtu.be/X"}, drv.urls)
	assert.NotEmpty(t, reports)

	// Evidence entries cover the milestones in capture order.
	b, err := os.ReadFile(filepath.Join(dir, "A1", "result.json"))
	require.NoError(t, err)
	var m struct {
		Success     bool     `json:"success"`
		Screenshots []string `json:"screenshots"`
		Count       int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.True(t, m.Success)
	assert.LessOrEqual(t, m.Count, uiauto.MaxScreenshots)
	require.GreaterOrEqual(t, m.Count, 4)
	joined := ""
	for _, f := range m.Screenshots {
		joined += f + "\n"
	}
	for _, want := range []string{"search", "video_found", "watch_start", "watch_end"} {
		assert.Contains(t, joined, want)
	}
}

func TestOrchestrator_AlreadyLikedNotRetapped(t *testing.T) {
	clock := newVClock()
	drv := newFakeDriver(clock)
	timeEl := drv.addElem("time_bar_current_time")
	timeEl.text = func() string { return clock.Now().Format("4:05") }
	like := drv.addElem("like_button")
	like.desc = "좋아요를 취소"

	o, _ := newTestOrchestrator(t, drv, clock)

	res := o.Run(context.Background(), JobParams{
		AssignmentID: "A2",
		TargetURL:    "https://youtu.be/Y",
		DurationSec:  10,
		MinPct:       50,
		MaxPct:       50,
		ProbLike:     100,
	})
	assert.True(t, res.Success)
	assert.True(t, res.Interactions.DidLike)
	assert.Equal(t, 0, like.clicks)
}

func TestNavigator_OpenByURLWrongApp(t *testing.T) {
	clock := newVClock()
	drv := newFakeDriver(clock)
	drv.foreground = "com.android.chrome"

	nav := NewNavigator(drv, clock.Sleep)
	outcome, err := nav.OpenByURL(context.Background(), "https://youtu.be/Z")
	require.NoError(t, err)
	assert.Equal(t, NavWrongApp, outcome)
}

func TestOrchestrator_SearchNotFoundFailsClassified(t *testing.T) {
	clock := newVClock()
	drv := newFakeDriver(clock)
	// Search entry exists but no result ever appears.
	drv.addElem("menu_item_1")
	drv.addElem("search_edit_text")

	o, dir := newTestOrchestrator(t, drv, clock)
	res := o.Run(context.Background(), JobParams{
		AssignmentID: "A4",
		Keyword:      "golang concurrency",
		DurationSec:  10,
		MinPct:       100,
		MaxPct:       100,
	})
	assert.False(t, res.Success)
	assert.Equal(t, "not_found", res.NavOutcome)
	assert.Equal(t, string(domain.CodeVideoUnavailable), res.ErrorCode)
	// Scrolled through all attempts looking for a match.
	assert.Equal(t, MaxScrollAttempts, drv.scrollDowns)
	// Evidence still finalized on failure.
	_, err := os.Stat(filepath.Join(dir, "A4", "result.json"))
	require.NoError(t, err)
}

func TestTargetDuration_UniformWithinBounds(t *testing.T) {
	o := &Orchestrator{Rand: rand.New(rand.NewSource(7))} //nolint:gosec // Deterministic test seed.
	for i := 0; i < 50; i++ {
		got := o.targetDuration(JobParams{DurationSec: 100, MinPct: 40, MaxPct: 80})
		assert.GreaterOrEqual(t, got, 40)
		assert.LessOrEqual(t, got, 80)
	}
	// Defaults when unset.
	got := o.targetDuration(JobParams{})
	assert.Equal(t, DefaultVideoDuration, got)
}
