package uiauto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/doai/devicefarm/pkg/textx"
)

// MaxScreenshots bounds captures per job; later captures are dropped
// silently.
const MaxScreenshots = 20

// Screenshotter is the slice of the driver the recorder needs.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Recorder captures bounded per-job evidence under a base directory.
// Capture failures are logged and swallowed; they never fail the job.
type Recorder struct {
	baseDir string
	driver  Screenshotter

	jobID   string
	jobDir  string
	started time.Time
	files   []string

	lastMs  int64
	seqInMs int

	now func() time.Time
}

// NewRecorder builds a recorder writing under baseDir.
func NewRecorder(baseDir string, driver Screenshotter) *Recorder {
	return &Recorder{baseDir: baseDir, driver: driver, now: time.Now}
}

// StartJob creates the sanitized per-assignment directory.
func (r *Recorder) StartJob(assignmentID string) error {
	r.jobID = textx.SanitizeName(assignmentID)
	r.jobDir = filepath.Join(r.baseDir, r.jobID)
	r.started = r.now().UTC()
	r.files = nil
	r.lastMs = 0
	r.seqInMs = 0
	if err := os.MkdirAll(r.jobDir, 0o755); err != nil {
		return fmt.Errorf("op=evidence.start_job: %w", err)
	}
	return nil
}

// Capture writes one screenshot named
// YYYYMMDD_HHMMSSmmm_SS_<jobid>_<action>.png. SS is a within-millisecond
// sequence so filenames sort lexically by capture time.
func (r *Recorder) Capture(ctx context.Context, action string) {
	if r.jobDir == "" || len(r.files) >= MaxScreenshots {
		return
	}
	png, err := r.driver.Screenshot(ctx)
	if err != nil {
		slog.Warn("evidence capture failed", slog.String("job", r.jobID), slog.String("action", action), slog.Any("error", err))
		return
	}
	ts := r.now().UTC()
	ms := ts.UnixMilli()
	if ms == r.lastMs {
		r.seqInMs++
	} else {
		r.lastMs = ms
		r.seqInMs = 0
	}
	name := fmt.Sprintf("%s%03d_%02d_%s_%s.png",
		ts.Format("20060102_150405"), ts.Nanosecond()/1e6, r.seqInMs, r.jobID, textx.SanitizeName(action))
	if err := os.WriteFile(filepath.Join(r.jobDir, name), png, 0o644); err != nil {
		slog.Warn("evidence write failed", slog.String("file", name), slog.Any("error", err))
		return
	}
	r.files = append(r.files, name)
}

// JobResultFields are the aggregate outcome fields written to the manifest.
type JobResultFields struct {
	Success          bool   `json:"success"`
	SearchSuccess    bool   `json:"search_success"`
	WatchDurationSec int    `json:"watch_duration_sec"`
	Error            string `json:"error,omitempty"`
}

type manifest struct {
	JobResultFields
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at"`
	DurationMs  int64    `json:"duration_ms"`
	Screenshots []string `json:"screenshots"`
	Count       int      `json:"count"`
	Dir         string   `json:"dir"`
}

// FinishJob writes result.json with the aggregate fields and the file list.
func (r *Recorder) FinishJob(fields JobResultFields) error {
	if r.jobDir == "" {
		return nil
	}
	done := r.now().UTC()
	files := append([]string(nil), r.files...)
	sort.Strings(files)
	m := manifest{
		JobResultFields: fields,
		StartedAt:       r.started.Format(time.RFC3339Nano),
		CompletedAt:     done.Format(time.RFC3339Nano),
		DurationMs:      done.Sub(r.started).Milliseconds(),
		Screenshots:     files,
		Count:           len(files),
		Dir:             r.jobDir,
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("op=evidence.finish_job: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.jobDir, "result.json"), b, 0o644); err != nil {
		return fmt.Errorf("op=evidence.finish_job: %w", err)
	}
	return nil
}

// Files returns the captured filenames so far.
func (r *Recorder) Files() []string { return append([]string(nil), r.files...) }
