package domain

// TaskKind names a broker task by dotted path. Workers register a handler
// per kind; payloads are the JSON records below, schema-checked both ends.
type TaskKind string

const (
	TaskDeviceScan       TaskKind = "tasks.device.scan"
	TaskHealthCheck      TaskKind = "tasks.device.health_check"
	TaskBatchHealthCheck TaskKind = "tasks.device.batch_health_check"
	TaskDeviceReboot     TaskKind = "tasks.device.reboot"
	TaskCollectLogs      TaskKind = "tasks.device.collect_logs"

	TaskInstallAPK         TaskKind = "tasks.install.apk"
	TaskBatchInstall       TaskKind = "tasks.install.batch"
	TaskUninstall          TaskKind = "tasks.install.uninstall"
	TaskCheckInstalled     TaskKind = "tasks.install.check"
	TaskInstallAllRequired TaskKind = "tasks.install.all_required"
	TaskPushScript         TaskKind = "tasks.install.push_script"

	TaskRunBot  TaskKind = "tasks.youtube.run_bot"
	TaskStopBot TaskKind = "tasks.youtube.stop_bot"

	TaskAppiumRunBot      TaskKind = "tasks.appium.run_bot"
	TaskAppiumStopSession TaskKind = "tasks.appium.stop_session"
	TaskAppiumHealth      TaskKind = "tasks.appium.health_check"
)

// DefaultQueue is bound by every worker in addition to its host queue.
const DefaultQueue = "default"

// DevicePayload addresses a single device for scan/health/reboot/uninstall.
type DevicePayload struct {
	TaskID   string `json:"task_id"`
	DeviceID string `json:"device_id"`
	Serial   string `json:"serial,omitempty"`
	Address  string `json:"address,omitempty"`
	Package  string `json:"package,omitempty"`
}

// BatchPayload addresses a set of devices processed in bounded waves.
type BatchPayload struct {
	TaskID    string   `json:"task_id"`
	DeviceIDs []string `json:"device_ids"`
	Serials   []string `json:"serials,omitempty"`
	APKName   string   `json:"apk_name,omitempty"`
}

// InstallPayload installs one APK on one device.
type InstallPayload struct {
	TaskID    string `json:"task_id"`
	DeviceID  string `json:"device_id"`
	Serial    string `json:"serial,omitempty"`
	Address   string `json:"address,omitempty"`
	APKName   string `json:"apk_name"`
	Reinstall bool   `json:"reinstall,omitempty"`
}

// PushScriptPayload pushes an automation script to the device.
type PushScriptPayload struct {
	TaskID     string `json:"task_id"`
	DeviceID   string `json:"device_id"`
	Serial     string `json:"serial,omitempty"`
	ScriptName string `json:"script_name"`
	RemotePath string `json:"remote_path,omitempty"`
}

// BotPayload carries the full viewing-job parameter record.
type BotPayload struct {
	TaskID        string `json:"task_id"`
	DeviceID      string `json:"device_id"`
	Serial        string `json:"serial,omitempty"`
	Address       string `json:"address,omitempty"`
	AppiumPort    int    `json:"appium_port,omitempty"`
	AssignmentID  string `json:"assignment_id"`
	TargetURL     string `json:"target_url,omitempty"`
	Keyword       string `json:"keyword,omitempty"`
	VideoTitle    string `json:"video_title,omitempty"`
	DurationSec   int    `json:"duration_sec"`
	MinPct        int    `json:"duration_min_pct"`
	MaxPct        int    `json:"duration_max_pct"`
	ProbLike      int    `json:"prob_like"`
	ProbComment   int    `json:"prob_comment"`
	ProbSubscribe int    `json:"prob_subscribe"`
	ProbPlaylist  int    `json:"prob_playlist"`
	CommentText   string `json:"comment_text,omitempty"`
}

// StopPayload stops a running bot or automation session on a device.
type StopPayload struct {
	TaskID   string `json:"task_id"`
	DeviceID string `json:"device_id"`
	Serial   string `json:"serial,omitempty"`
	Address  string `json:"address,omitempty"`
}

// BatchResult aggregates per-device outcomes of a batch task.
type BatchResult struct {
	Total   int               `json:"total"`
	Success int               `json:"success"`
	Failed  int               `json:"failed"`
	Results map[string]string `json:"results"` // device key -> "ok" | error text
}
