package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/doai/devicefarm/internal/adapter/adb"
	"github.com/doai/devicefarm/internal/adapter/observability"
	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/config"
	"github.com/doai/devicefarm/internal/domain"
	"github.com/doai/devicefarm/internal/engine"
)

const (
	batchWaveSize  = 5
	batchWavePause = 2 * time.Second
)

// ADBRunner is the adb surface the handlers need.
type ADBRunner interface {
	Devices(ctx context.Context) ([]adb.DeviceEntry, error)
	Install(ctx context.Context, serial, apkPath string, reinstall bool) error
	Uninstall(ctx context.Context, serial, pkg string) error
	IsInstalled(ctx context.Context, serial, pkg string) (bool, error)
	Push(ctx context.Context, serial, local, remote string) error
	Reboot(ctx context.Context, serial string) error
	BatteryLevel(ctx context.Context, serial string) (int, error)
	OSVersion(ctx context.Context, serial string) (string, error)
	Logcat(ctx context.Context, serial string, lines int) (string, error)
}

// SessionPool is the slice of the session pool the handlers need: teardown
// for the stop handlers and the metrics snapshot for health reporting.
type SessionPool interface {
	CloseSession(ctx context.Context, deviceKey string)
	CleanupStale(ctx context.Context) int
	Snapshot() uiauto.Metrics
}

// ServerProber checks automation server liveness.
type ServerProber interface {
	Ready(ctx context.Context) (bool, error)
}

// Handlers bundles the per-kind task handlers with their dependencies.
type Handlers struct {
	tasks   domain.TaskRepository
	devices domain.DeviceRepository
	runner  BotRunner
	adb     ADBRunner
	pool    SessionPool
	prober  ServerProber
	apkDir  string
	logDir  string

	// Hard deadlines per task class and the in-job retry policy.
	taskLimit     time.Duration
	jobLimit      time.Duration
	maxJobRetries int
	retryBase     time.Duration
	retryCap      time.Duration

	sleep engine.SleepFunc
	now   func() time.Time
}

// NewHandlers wires the handler set with real clock defaults. Deadlines and
// the retry policy come from cfg; unset retry fields fall back to the
// domain defaults.
func NewHandlers(cfg config.Config, tasks domain.TaskRepository, devices domain.DeviceRepository, runner BotRunner, adbr ADBRunner, pool SessionPool, prober ServerProber) *Handlers {
	h := &Handlers{
		tasks:         tasks,
		devices:       devices,
		runner:        runner,
		adb:           adbr,
		pool:          pool,
		prober:        prober,
		apkDir:        cfg.APKDir,
		logDir:        cfg.EvidenceDir,
		taskLimit:     cfg.TaskTimeLimit,
		jobLimit:      cfg.YouTubeTaskTimeLimit,
		maxJobRetries: cfg.RetryMaxRetries,
		retryBase:     cfg.RetryBaseDelay,
		retryCap:      cfg.RetryMaxDelay,
		sleep:         sleepCtx,
		now:           time.Now,
	}
	if h.maxJobRetries <= 0 {
		h.maxJobRetries = domain.MaxRetryCount
	}
	if h.retryBase <= 0 {
		h.retryBase = domain.RetryBaseDelay
	}
	if h.retryCap <= 0 {
		h.retryCap = domain.RetryMaxDelay
	}
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register binds every task kind on the mux. Viewing jobs run under the
// longer YouTube deadline; everything else gets the standard task limit.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(string(domain.TaskDeviceScan), h.withLimit(h.taskLimit, h.HandleDeviceScan))
	mux.HandleFunc(string(domain.TaskHealthCheck), h.withLimit(h.taskLimit, h.HandleHealthCheck))
	mux.HandleFunc(string(domain.TaskBatchHealthCheck), h.withLimit(h.taskLimit, h.HandleBatchHealthCheck))
	mux.HandleFunc(string(domain.TaskDeviceReboot), h.withLimit(h.taskLimit, h.HandleReboot))
	mux.HandleFunc(string(domain.TaskCollectLogs), h.withLimit(h.taskLimit, h.HandleCollectLogs))
	mux.HandleFunc(string(domain.TaskInstallAPK), h.withLimit(h.taskLimit, h.HandleInstallAPK))
	mux.HandleFunc(string(domain.TaskBatchInstall), h.withLimit(h.taskLimit, h.HandleBatchInstall))
	mux.HandleFunc(string(domain.TaskUninstall), h.withLimit(h.taskLimit, h.HandleUninstall))
	mux.HandleFunc(string(domain.TaskCheckInstalled), h.withLimit(h.taskLimit, h.HandleCheckInstalled))
	mux.HandleFunc(string(domain.TaskInstallAllRequired), h.withLimit(h.taskLimit, h.HandleInstallAllRequired))
	mux.HandleFunc(string(domain.TaskPushScript), h.withLimit(h.taskLimit, h.HandlePushScript))
	mux.HandleFunc(string(domain.TaskRunBot), h.withLimit(h.jobLimit, h.HandleRunBot))
	mux.HandleFunc(string(domain.TaskStopBot), h.withLimit(h.taskLimit, h.HandleStopBot))
	mux.HandleFunc(string(domain.TaskAppiumRunBot), h.withLimit(h.jobLimit, h.HandleRunBot))
	mux.HandleFunc(string(domain.TaskAppiumStopSession), h.withLimit(h.taskLimit, h.HandleStopSession))
	mux.HandleFunc(string(domain.TaskAppiumHealth), h.withLimit(h.taskLimit, h.HandleAppiumHealth))
}

// withLimit bounds a handler's context. Zero leaves it unbounded.
func (h *Handlers) withLimit(limit time.Duration, fn func(context.Context, *asynq.Task) error) func(context.Context, *asynq.Task) error {
	if limit <= 0 {
		return fn
	}
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		return fn(ctx, t)
	}
}

// begin claims the task row. A false return means the row was revoked or
// unknown; the handler must drop the work without side effects.
func (h *Handlers) begin(ctx context.Context, taskID, kind string) bool {
	if taskID == "" {
		return true
	}
	if err := h.tasks.MarkRunning(ctx, taskID, h.now()); err != nil {
		slog.Info("task not startable, dropping", slog.String("task_id", taskID), slog.String("kind", kind), slog.Any("error", err))
		return false
	}
	observability.StartProcessingTask(kind)
	return true
}

// finish writes the terminal row and metrics for a simple handler.
func (h *Handlers) finish(ctx context.Context, taskID, kind string, result any, runErr error) {
	var b []byte
	if result != nil {
		b, _ = json.Marshal(result)
	}
	if runErr == nil {
		if taskID != "" {
			if err := h.tasks.Complete(ctx, taskID, domain.TaskSuccess, b, "", ""); err != nil {
				slog.Warn("task completion write failed", slog.String("task_id", taskID), slog.Any("error", err))
			}
		}
		observability.CompleteTask(kind)
		return
	}
	code := engine.Classify(runErr)
	if taskID != "" {
		if err := h.tasks.Complete(ctx, taskID, domain.TaskFailed, b, runErr.Error(), string(code)); err != nil {
			slog.Warn("task completion write failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
	observability.FailTask(kind, string(code))
}

// HandleDeviceScan reconciles adb's device list with the registry.
func (h *Handlers) HandleDeviceScan(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.scan: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	entries, err := h.adb.Devices(ctx)
	if err != nil {
		h.finish(ctx, p.TaskID, t.Type(), nil, err)
		return nil
	}
	seen := make(map[string]string, len(entries))
	for _, e := range entries {
		seen[e.Serial] = e.State
		d, err := h.devices.GetBySerial(ctx, e.Serial)
		if err != nil {
			// Unknown handsets are recorded offline until an operator assigns them.
			_, cerr := h.devices.Create(ctx, domain.Device{
				Serial:         e.Serial,
				Model:          e.Model,
				ConnectionType: connTypeFor(e.Serial),
				Status:         statusForState(e.State),
			})
			if cerr != nil {
				slog.Warn("device scan create failed", slog.String("serial", e.Serial), slog.Any("error", cerr))
			}
			continue
		}
		if err := h.devices.SetStatus(ctx, d.ID, statusForState(e.State)); err != nil {
			slog.Warn("device scan status failed", slog.String("serial", e.Serial), slog.Any("error", err))
		}
	}
	h.finish(ctx, p.TaskID, t.Type(), map[string]any{"found": len(entries), "states": seen}, nil)
	return nil
}

func connTypeFor(serial string) domain.ConnectionType {
	if strings.Contains(serial, ":") {
		return domain.ConnWiFi
	}
	return domain.ConnUSB
}

func statusForState(state string) domain.DeviceStatus {
	if state == "device" {
		return domain.DeviceOnline
	}
	return domain.DeviceOffline
}

// healthReport is the result payload of one device health check.
type healthReport struct {
	Serial           string `json:"serial"`
	BatteryLevel     int    `json:"battery_level"`
	OSVersion        string `json:"os_version"`
	YouTubeInstalled bool   `json:"youtube_installed"`
	Healthy          bool   `json:"healthy"`
	Error            string `json:"error,omitempty"`
}

func (h *Handlers) checkOne(ctx context.Context, deviceID, serial string) healthReport {
	rep := healthReport{Serial: serial}
	lvl, err := h.adb.BatteryLevel(ctx, serial)
	if err != nil {
		rep.Error = err.Error()
		if deviceID != "" {
			_ = h.devices.RecordError(ctx, deviceID, err.Error())
		}
		return rep
	}
	rep.BatteryLevel = lvl
	if osv, err := h.adb.OSVersion(ctx, serial); err == nil {
		rep.OSVersion = osv
	}
	rep.YouTubeInstalled, _ = h.adb.IsInstalled(ctx, serial, uiauto.YouTubePackage)
	rep.Healthy = true
	if deviceID != "" {
		if d, err := h.devices.Get(ctx, deviceID); err == nil {
			d.BatteryLevel = lvl
			if rep.OSVersion != "" {
				d.OSVersion = rep.OSVersion
			}
			now := h.now()
			d.LastSeen = &now
			if d.Status == domain.DeviceOffline || d.Status == domain.DeviceError {
				d.Status = domain.DeviceOnline
			}
			_ = h.devices.Update(ctx, d)
		}
	}
	return rep
}

// HandleHealthCheck probes one device over adb.
func (h *Handlers) HandleHealthCheck(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.health: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	rep := h.checkOne(ctx, p.DeviceID, deviceKey(p.Serial, p.Address))
	var err error
	if !rep.Healthy {
		err = fmt.Errorf("op=worker.health: %s", rep.Error)
	}
	h.finish(ctx, p.TaskID, t.Type(), rep, err)
	return nil
}

func deviceKey(serial, address string) string {
	if address != "" {
		return address
	}
	return serial
}

// runWaves executes fn over keys in bounded waves so a batch cannot flood
// the adb server.
func (h *Handlers) runWaves(ctx context.Context, keys []string, fn func(ctx context.Context, key string) error) domain.BatchResult {
	res := domain.BatchResult{Total: len(keys), Results: make(map[string]string, len(keys))}
	for i := 0; i < len(keys); i += batchWaveSize {
		if i > 0 {
			if err := h.sleep(ctx, batchWavePause); err != nil {
				for _, k := range keys[i:] {
					res.Failed++
					res.Results[k] = err.Error()
				}
				return res
			}
		}
		end := i + batchWaveSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[i:end] {
			if err := fn(ctx, k); err != nil {
				res.Failed++
				res.Results[k] = err.Error()
			} else {
				res.Success++
				res.Results[k] = "ok"
			}
		}
	}
	return res
}

// HandleBatchHealthCheck probes many devices in waves.
func (h *Handlers) HandleBatchHealthCheck(ctx context.Context, t *asynq.Task) error {
	var p domain.BatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.batch_health: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	serials := p.Serials
	if len(serials) == 0 {
		serials = h.serialsFor(ctx, p.DeviceIDs)
	}
	res := h.runWaves(ctx, serials, func(ctx context.Context, serial string) error {
		rep := h.checkOne(ctx, h.deviceIDBySerial(ctx, serial), serial)
		if !rep.Healthy {
			return fmt.Errorf("%s", rep.Error)
		}
		return nil
	})
	h.finish(ctx, p.TaskID, t.Type(), res, nil)
	return nil
}

func (h *Handlers) serialsFor(ctx context.Context, deviceIDs []string) []string {
	serials := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		d, err := h.devices.Get(ctx, id)
		if err != nil {
			slog.Warn("batch device lookup failed", slog.String("device_id", id), slog.Any("error", err))
			continue
		}
		serials = append(serials, d.SessionKey())
	}
	return serials
}

func (h *Handlers) deviceIDBySerial(ctx context.Context, serial string) string {
	if d, err := h.devices.GetBySerial(ctx, serial); err == nil {
		return d.ID
	}
	if d, err := h.devices.GetByAddress(ctx, serial); err == nil {
		return d.ID
	}
	return ""
}

// HandleReboot restarts a device and marks it offline until rediscovered.
func (h *Handlers) HandleReboot(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.reboot: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	key := deviceKey(p.Serial, p.Address)
	h.pool.CloseSession(ctx, key)
	err := h.adb.Reboot(ctx, key)
	if err == nil && p.DeviceID != "" {
		_ = h.devices.SetStatus(ctx, p.DeviceID, domain.DeviceOffline)
	}
	h.finish(ctx, p.TaskID, t.Type(), map[string]string{"device": key}, err)
	return nil
}

// HandleCollectLogs dumps the device log buffer to the evidence volume.
func (h *Handlers) HandleCollectLogs(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.collect_logs: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	key := deviceKey(p.Serial, p.Address)
	out, err := h.adb.Logcat(ctx, key, 500)
	var path string
	if err == nil {
		dir := filepath.Join(h.logDir, "logs")
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			err = mkErr
		} else {
			path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", sanitizeFileKey(key), h.now().Format("20060102_150405")))
			err = os.WriteFile(path, []byte(out), 0o644)
		}
	}
	h.finish(ctx, p.TaskID, t.Type(), map[string]string{"device": key, "path": path}, err)
	return nil
}

func sanitizeFileKey(key string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(key)
}

// HandleInstallAPK installs one APK from the configured APK directory.
func (h *Handlers) HandleInstallAPK(ctx context.Context, t *asynq.Task) error {
	var p domain.InstallPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.install: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	key := deviceKey(p.Serial, p.Address)
	err := h.adb.Install(ctx, key, filepath.Join(h.apkDir, p.APKName), p.Reinstall)
	h.finish(ctx, p.TaskID, t.Type(), map[string]string{"device": key, "apk": p.APKName}, err)
	return nil
}

// HandleBatchInstall installs one APK across devices in waves.
func (h *Handlers) HandleBatchInstall(ctx context.Context, t *asynq.Task) error {
	var p domain.BatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.batch_install: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	serials := p.Serials
	if len(serials) == 0 {
		serials = h.serialsFor(ctx, p.DeviceIDs)
	}
	apkPath := filepath.Join(h.apkDir, p.APKName)
	res := h.runWaves(ctx, serials, func(ctx context.Context, serial string) error {
		return h.adb.Install(ctx, serial, apkPath, true)
	})
	h.finish(ctx, p.TaskID, t.Type(), res, nil)
	return nil
}

// HandleUninstall removes a package from one device.
func (h *Handlers) HandleUninstall(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.uninstall: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	key := deviceKey(p.Serial, p.Address)
	err := h.adb.Uninstall(ctx, key, p.Package)
	h.finish(ctx, p.TaskID, t.Type(), map[string]string{"device": key, "package": p.Package}, err)
	return nil
}

// HandleCheckInstalled reports package presence on one device.
func (h *Handlers) HandleCheckInstalled(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.check_installed: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	key := deviceKey(p.Serial, p.Address)
	installed, err := h.adb.IsInstalled(ctx, key, p.Package)
	h.finish(ctx, p.TaskID, t.Type(), map[string]any{"device": key, "package": p.Package, "installed": installed}, err)
	return nil
}

// HandleInstallAllRequired installs every APK staged in the APK directory.
func (h *Handlers) HandleInstallAllRequired(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.install_all: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	key := deviceKey(p.Serial, p.Address)
	apks, err := filepath.Glob(filepath.Join(h.apkDir, "*.apk"))
	if err != nil {
		h.finish(ctx, p.TaskID, t.Type(), nil, err)
		return nil
	}
	res := domain.BatchResult{Total: len(apks), Results: make(map[string]string, len(apks))}
	for _, apk := range apks {
		name := filepath.Base(apk)
		if err := h.adb.Install(ctx, key, apk, true); err != nil {
			res.Failed++
			res.Results[name] = err.Error()
		} else {
			res.Success++
			res.Results[name] = "ok"
		}
	}
	h.finish(ctx, p.TaskID, t.Type(), res, nil)
	return nil
}

// HandlePushScript copies an automation script onto the device.
func (h *Handlers) HandlePushScript(ctx context.Context, t *asynq.Task) error {
	var p domain.PushScriptPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.push_script: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	remote := p.RemotePath
	if remote == "" {
		remote = "/sdcard/" + p.ScriptName
	}
	err := h.adb.Push(ctx, p.Serial, filepath.Join(h.apkDir, p.ScriptName), remote)
	h.finish(ctx, p.TaskID, t.Type(), map[string]string{"device": p.Serial, "remote": remote}, err)
	return nil
}

// HandleStopBot tears down the device's automation session. The run-bot
// task itself is revoked through the dispatcher; this only reclaims the
// session and port.
func (h *Handlers) HandleStopBot(ctx context.Context, t *asynq.Task) error {
	var p domain.StopPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.stop_bot: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	key := deviceKey(p.Serial, p.Address)
	h.pool.CloseSession(ctx, key)
	if p.DeviceID != "" {
		_ = h.devices.SetStatus(ctx, p.DeviceID, domain.DeviceOnline)
	}
	h.finish(ctx, p.TaskID, t.Type(), map[string]string{"device": key}, nil)
	return nil
}

// HandleStopSession closes the pooled session without touching device state.
func (h *Handlers) HandleStopSession(ctx context.Context, t *asynq.Task) error {
	var p domain.StopPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=worker.stop_session: %w: %w", err, asynq.SkipRetry)
	}
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	h.pool.CloseSession(ctx, deviceKey(p.Serial, p.Address))
	h.finish(ctx, p.TaskID, t.Type(), nil, nil)
	return nil
}

// HandleAppiumHealth pings the automation server, purges stale sessions, and
// reports the host's pool snapshot so the API side can surface session
// pressure without reaching into the worker.
func (h *Handlers) HandleAppiumHealth(ctx context.Context, t *asynq.Task) error {
	var p domain.DevicePayload
	_ = json.Unmarshal(t.Payload(), &p)
	if !h.begin(ctx, p.TaskID, t.Type()) {
		return nil
	}
	ok, err := h.prober.Ready(ctx)
	ready := err == nil && ok
	purged := 0
	if ready {
		purged = h.pool.CleanupStale(ctx)
	}
	var runErr error
	if !ready {
		runErr = fmt.Errorf("op=worker.appium_health: server not ready: %w", domain.ErrUnavailable)
	}
	snap := h.pool.Snapshot()
	h.finish(ctx, p.TaskID, t.Type(), map[string]any{
		"ready":           ready,
		"purged":          purged,
		"active_sessions": snap.ActiveSessions,
		"max_sessions":    snap.MaxSessions,
		"available_ports": snap.AvailablePorts,
		"used_ports":      snap.UsedPorts,
		"active_devices":  snap.ActiveDevices,
	}, runErr)
	return nil
}
