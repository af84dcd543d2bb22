package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doai/devicefarm/internal/adapter/adb"
	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/config"
	"github.com/doai/devicefarm/internal/domain"
	"github.com/doai/devicefarm/internal/engine"
)

type fakeTaskRepo struct {
	mu          sync.Mutex
	startErr    error
	retries     int
	completions []struct {
		Status domain.TaskStatus
		Code   string
		Result []byte
	}
	progress []int
}

func (f *fakeTaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) { return t.ID, nil }
func (f *fakeTaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	return domain.Task{ID: id}, nil
}
func (f *fakeTaskRepo) GetByBrokerID(ctx domain.Context, id string) (domain.Task, error) {
	return domain.Task{}, domain.ErrNotFound
}
func (f *fakeTaskRepo) List(ctx domain.Context, fl domain.TaskFilter) ([]domain.Task, int64, error) {
	return nil, 0, nil
}
func (f *fakeTaskRepo) MarkRunning(ctx domain.Context, id string, at time.Time) error {
	return f.startErr
}
func (f *fakeTaskRepo) SetProgress(ctx domain.Context, id string, p int, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
	return nil
}
func (f *fakeTaskRepo) Complete(ctx domain.Context, id string, status domain.TaskStatus, result []byte, errMsg, errCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, struct {
		Status domain.TaskStatus
		Code   string
		Result []byte
	}{status, errCode, result})
	return nil
}
func (f *fakeTaskRepo) IncrementRetries(ctx domain.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return f.retries, nil
}
func (f *fakeTaskRepo) Stats(ctx domain.Context) (domain.TaskStats, error) {
	return domain.TaskStats{}, nil
}
func (f *fakeTaskRepo) Recent(ctx domain.Context, limit int) ([]domain.Task, error) { return nil, nil }

type fakeDeviceRepo struct {
	mu       sync.Mutex
	device   domain.Device
	statuses []domain.DeviceStatus
	errored  []string
}

func (f *fakeDeviceRepo) Create(ctx domain.Context, d domain.Device) (string, error) {
	return "new", nil
}
func (f *fakeDeviceRepo) Get(ctx domain.Context, id string) (domain.Device, error) {
	if f.device.ID == "" {
		return domain.Device{}, domain.ErrNotFound
	}
	return f.device, nil
}
func (f *fakeDeviceRepo) GetByCode(ctx domain.Context, c string) (domain.Device, error) {
	return f.device, nil
}
func (f *fakeDeviceRepo) GetBySerial(ctx domain.Context, s string) (domain.Device, error) {
	if f.device.Serial == s {
		return f.device, nil
	}
	return domain.Device{}, domain.ErrNotFound
}
func (f *fakeDeviceRepo) GetByAddress(ctx domain.Context, a string) (domain.Device, error) {
	return domain.Device{}, domain.ErrNotFound
}
func (f *fakeDeviceRepo) List(ctx domain.Context, fl domain.DeviceFilter) ([]domain.Device, int64, error) {
	return nil, 0, nil
}
func (f *fakeDeviceRepo) Update(ctx domain.Context, d domain.Device) error { return nil }
func (f *fakeDeviceRepo) Delete(ctx domain.Context, id string) error       { return nil }
func (f *fakeDeviceRepo) Assign(ctx domain.Context, d, h string) (domain.Device, error) {
	return f.device, nil
}
func (f *fakeDeviceRepo) Unassign(ctx domain.Context, d string) error { return nil }
func (f *fakeDeviceRepo) SetStatus(ctx domain.Context, id string, s domain.DeviceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
	return nil
}
func (f *fakeDeviceRepo) RecordError(ctx domain.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored = append(f.errored, msg)
	return nil
}

type fakeRunner struct {
	results []engine.JobResult
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, d domain.Device, p domain.BotPayload, progress engine.ProgressFunc) engine.JobResult {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	progress(50, "watching")
	return f.results[i]
}

type fakeADB struct {
	installed []string
	rebooted  []string
	battery   map[string]int
}

func (f *fakeADB) Devices(ctx context.Context) ([]adb.DeviceEntry, error) { return nil, nil }
func (f *fakeADB) Install(ctx context.Context, serial, apk string, r bool) error {
	f.installed = append(f.installed, serial)
	return nil
}
func (f *fakeADB) Uninstall(ctx context.Context, serial, pkg string) error { return nil }
func (f *fakeADB) IsInstalled(ctx context.Context, serial, pkg string) (bool, error) {
	return true, nil
}
func (f *fakeADB) Push(ctx context.Context, serial, l, r string) error { return nil }
func (f *fakeADB) Reboot(ctx context.Context, serial string) error {
	f.rebooted = append(f.rebooted, serial)
	return nil
}
func (f *fakeADB) BatteryLevel(ctx context.Context, serial string) (int, error) {
	if lvl, ok := f.battery[serial]; ok {
		return lvl, nil
	}
	return 0, errors.New("device offline")
}
func (f *fakeADB) OSVersion(ctx context.Context, serial string) (string, error) { return "12", nil }
func (f *fakeADB) Logcat(ctx context.Context, serial string, n int) (string, error) {
	return "log", nil
}

type fakeCloser struct {
	closed  []string
	purged  int
	metrics uiauto.Metrics
}

func (f *fakeCloser) CloseSession(ctx context.Context, key string) { f.closed = append(f.closed, key) }
func (f *fakeCloser) CleanupStale(ctx context.Context) int         { return f.purged }
func (f *fakeCloser) Snapshot() uiauto.Metrics                     { return f.metrics }

type fakeProber struct{ ready bool }

func (f *fakeProber) Ready(ctx context.Context) (bool, error) { return f.ready, nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{APKDir: t.TempDir(), EvidenceDir: t.TempDir()}
}

func newTestHandlers(t *testing.T, tasks *fakeTaskRepo, devices *fakeDeviceRepo, runner BotRunner, adbr ADBRunner) (*Handlers, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	h := NewHandlers(testConfig(t), tasks, devices, runner, adbr, &fakeCloser{}, &fakeProber{ready: true})
	h.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	h.now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	return h, &slept
}

func botTask(t *testing.T, p domain.BotPayload) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(string(domain.TaskRunBot), b)
}

func TestHandleRunBot_Success(t *testing.T) {
	tasks := &fakeTaskRepo{}
	devices := &fakeDeviceRepo{device: domain.Device{ID: "dev-1", Serial: "R58M"}}
	runner := &fakeRunner{results: []engine.JobResult{{Success: true, WatchDurationSec: 90}}}
	h, _ := newTestHandlers(t, tasks, devices, runner, &fakeADB{})

	err := h.HandleRunBot(context.Background(), botTask(t, domain.BotPayload{TaskID: "task-1", DeviceID: "dev-1", AssignmentID: "A1"}))
	require.NoError(t, err)

	require.Len(t, tasks.completions, 1)
	assert.Equal(t, domain.TaskSuccess, tasks.completions[0].Status)
	// Device goes busy while running, back online afterwards.
	assert.Equal(t, []domain.DeviceStatus{domain.DeviceBusy, domain.DeviceOnline}, devices.statuses)
	assert.Equal(t, []int{50}, tasks.progress)
}

func TestHandleRunBot_RetryableThenSuccess(t *testing.T) {
	tasks := &fakeTaskRepo{}
	devices := &fakeDeviceRepo{device: domain.Device{ID: "dev-1", Serial: "R58M"}}
	runner := &fakeRunner{results: []engine.JobResult{
		{Success: false, ErrorCode: string(domain.CodeNetworkTimeout), Error: "timed out"},
		{Success: true, WatchDurationSec: 60},
	}}
	h, slept := newTestHandlers(t, tasks, devices, runner, &fakeADB{})

	err := h.HandleRunBot(context.Background(), botTask(t, domain.BotPayload{TaskID: "task-1", DeviceID: "dev-1"}))
	require.NoError(t, err)

	assert.Equal(t, 2, runner.calls)
	assert.Equal(t, 1, tasks.retries)
	// First attempt: retrying row; second: success.
	require.Len(t, tasks.completions, 2)
	assert.Equal(t, domain.TaskRetrying, tasks.completions[0].Status)
	assert.Equal(t, domain.TaskSuccess, tasks.completions[1].Status)
	// First back-off step.
	require.Len(t, *slept, 1)
	assert.Equal(t, 5*time.Second, (*slept)[0])
}

func TestHandleRunBot_NonRetryableFailsOnce(t *testing.T) {
	tasks := &fakeTaskRepo{}
	devices := &fakeDeviceRepo{device: domain.Device{ID: "dev-1", Serial: "R58M"}}
	runner := &fakeRunner{results: []engine.JobResult{
		{Success: false, ErrorCode: string(domain.CodeVideoUnavailable), Error: "gone"},
	}}
	h, slept := newTestHandlers(t, tasks, devices, runner, &fakeADB{})

	err := h.HandleRunBot(context.Background(), botTask(t, domain.BotPayload{TaskID: "task-1", DeviceID: "dev-1"}))
	require.NoError(t, err)

	assert.Equal(t, 1, runner.calls)
	assert.Zero(t, tasks.retries)
	assert.Empty(t, *slept)
	require.Len(t, tasks.completions, 1)
	assert.Equal(t, domain.TaskFailed, tasks.completions[0].Status)
	assert.Equal(t, "E2001", tasks.completions[0].Code)
}

func TestHandleRunBot_RetryBudgetExhausted(t *testing.T) {
	tasks := &fakeTaskRepo{}
	devices := &fakeDeviceRepo{device: domain.Device{ID: "dev-1", Serial: "R58M"}}
	fail := engine.JobResult{Success: false, ErrorCode: string(domain.CodeNetworkTimeout), Error: "timed out"}
	runner := &fakeRunner{results: []engine.JobResult{fail, fail, fail, fail, fail}}
	h, slept := newTestHandlers(t, tasks, devices, runner, &fakeADB{})

	err := h.HandleRunBot(context.Background(), botTask(t, domain.BotPayload{TaskID: "task-1", DeviceID: "dev-1"}))
	require.NoError(t, err)

	// Initial attempt + MaxRetryCount re-runs, then terminal failure.
	assert.Equal(t, domain.MaxRetryCount+1, runner.calls)
	last := tasks.completions[len(tasks.completions)-1]
	assert.Equal(t, domain.TaskFailed, last.Status)
	// Back-off escalates 5s, 10s, 20s.
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, *slept)
}

func TestHandleRunBot_RevokedTaskDropped(t *testing.T) {
	tasks := &fakeTaskRepo{startErr: domain.ErrConflict}
	devices := &fakeDeviceRepo{device: domain.Device{ID: "dev-1"}}
	runner := &fakeRunner{results: []engine.JobResult{{Success: true}}}
	h, _ := newTestHandlers(t, tasks, devices, runner, &fakeADB{})

	err := h.HandleRunBot(context.Background(), botTask(t, domain.BotPayload{TaskID: "task-1", DeviceID: "dev-1"}))
	require.NoError(t, err)
	assert.Zero(t, runner.calls)
	assert.Empty(t, tasks.completions)
	assert.Empty(t, devices.statuses)
}

func TestHandleRunBot_BadPayloadSkipsRetry(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeTaskRepo{}, &fakeDeviceRepo{}, &fakeRunner{}, &fakeADB{})
	err := h.HandleRunBot(context.Background(), asynq.NewTask(string(domain.TaskRunBot), []byte("{not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRunWaves_BoundedWithPause(t *testing.T) {
	h, slept := newTestHandlers(t, &fakeTaskRepo{}, &fakeDeviceRepo{}, &fakeRunner{}, &fakeADB{})

	keys := make([]string, 12)
	for i := range keys {
		keys[i] = fmt.Sprintf("dev-%02d", i)
	}
	var order []string
	res := h.runWaves(context.Background(), keys, func(ctx context.Context, k string) error {
		order = append(order, k)
		if k == "dev-07" {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, 12, res.Total)
	assert.Equal(t, 11, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "boom", res.Results["dev-07"])
	assert.Equal(t, "ok", res.Results["dev-00"])
	// Three waves of 5+5+2 mean two pauses between waves.
	assert.Equal(t, []time.Duration{batchWavePause, batchWavePause}, *slept)
	assert.Equal(t, keys, order)
}

func TestHandleBatchHealthCheck(t *testing.T) {
	tasks := &fakeTaskRepo{}
	devices := &fakeDeviceRepo{device: domain.Device{ID: "dev-1", Serial: "R58M"}}
	adbr := &fakeADB{battery: map[string]int{"R58M": 80}}
	h, _ := newTestHandlers(t, tasks, devices, &fakeRunner{}, adbr)

	p := domain.BatchPayload{TaskID: "task-1", Serials: []string{"R58M", "DEADBEEF"}}
	b, _ := json.Marshal(p)
	err := h.HandleBatchHealthCheck(context.Background(), asynq.NewTask(string(domain.TaskBatchHealthCheck), b))
	require.NoError(t, err)

	require.Len(t, tasks.completions, 1)
	assert.Equal(t, domain.TaskSuccess, tasks.completions[0].Status)
	// The unreachable device is recorded but does not fail the batch task.
	assert.NotEmpty(t, devices.errored)
}

func TestHandleAppiumHealth_ReportsPoolSnapshot(t *testing.T) {
	tasks := &fakeTaskRepo{}
	closer := &fakeCloser{
		purged: 1,
		metrics: uiauto.Metrics{
			ActiveSessions: 2,
			MaxSessions:    10,
			AvailablePorts: 98,
			UsedPorts:      map[string]int{"R58M": 8200, "10.0.0.2:5555": 8201},
			ActiveDevices:  []string{"10.0.0.2:5555", "R58M"},
		},
	}
	h := NewHandlers(testConfig(t), tasks, &fakeDeviceRepo{}, &fakeRunner{}, &fakeADB{}, closer, &fakeProber{ready: true})

	p := domain.DevicePayload{TaskID: "task-1"}
	b, _ := json.Marshal(p)
	err := h.HandleAppiumHealth(context.Background(), asynq.NewTask(string(domain.TaskAppiumHealth), b))
	require.NoError(t, err)

	require.Len(t, tasks.completions, 1)
	assert.Equal(t, domain.TaskSuccess, tasks.completions[0].Status)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(tasks.completions[0].Result, &rep))
	assert.Equal(t, true, rep["ready"])
	assert.Equal(t, float64(1), rep["purged"])
	assert.Equal(t, float64(2), rep["active_sessions"])
	assert.Equal(t, float64(10), rep["max_sessions"])
	assert.Equal(t, float64(98), rep["available_ports"])
	assert.Equal(t, []any{"10.0.0.2:5555", "R58M"}, rep["active_devices"])
}

func TestWithLimit_BoundsHandlerContext(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeTaskRepo{}, &fakeDeviceRepo{}, &fakeRunner{}, &fakeADB{})

	fn := h.withLimit(300*time.Second, func(ctx context.Context, _ *asynq.Task) error {
		d, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(300*time.Second), d, time.Second)
		return nil
	})
	require.NoError(t, fn(context.Background(), asynq.NewTask("x", nil)))

	// Zero leaves the context unbounded.
	fn = h.withLimit(0, func(ctx context.Context, _ *asynq.Task) error {
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, fn(context.Background(), asynq.NewTask("x", nil)))
}

func TestHandleRunBot_ConfiguredRetryPolicy(t *testing.T) {
	tasks := &fakeTaskRepo{}
	devices := &fakeDeviceRepo{device: domain.Device{ID: "dev-1", Serial: "R58M"}}
	fail := engine.JobResult{Success: false, ErrorCode: string(domain.CodeNetworkTimeout), Error: "timed out"}
	runner := &fakeRunner{results: []engine.JobResult{fail, fail, fail}}

	cfg := testConfig(t)
	cfg.RetryMaxRetries = 1
	cfg.RetryBaseDelay = 2 * time.Second
	cfg.RetryMaxDelay = 60 * time.Second
	h := NewHandlers(cfg, tasks, devices, runner, &fakeADB{}, &fakeCloser{}, &fakeProber{ready: true})
	var slept []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := h.HandleRunBot(context.Background(), botTask(t, domain.BotPayload{TaskID: "task-1", DeviceID: "dev-1"}))
	require.NoError(t, err)

	// One configured retry with the configured base delay, then terminal.
	assert.Equal(t, 2, runner.calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, slept)
	last := tasks.completions[len(tasks.completions)-1]
	assert.Equal(t, domain.TaskFailed, last.Status)
}

func TestHandleReboot_ClosesSessionFirst(t *testing.T) {
	tasks := &fakeTaskRepo{}
	adbr := &fakeADB{}
	closer := &fakeCloser{}
	h := NewHandlers(testConfig(t), tasks, &fakeDeviceRepo{}, &fakeRunner{}, adbr, closer, &fakeProber{ready: true})

	p := domain.DevicePayload{TaskID: "task-1", DeviceID: "dev-1", Serial: "R58M"}
	b, _ := json.Marshal(p)
	err := h.HandleReboot(context.Background(), asynq.NewTask(string(domain.TaskDeviceReboot), b))
	require.NoError(t, err)
	assert.Equal(t, []string{"R58M"}, closer.closed)
	assert.Equal(t, []string{"R58M"}, adbr.rebooted)
}
