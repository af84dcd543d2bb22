package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
	ErrPoolExhausted   = errors.New("session pool exhausted")
	ErrInternal        = errors.New("internal error")
)

// HostStatus enumerates host states.
type HostStatus string

const (
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline"
	HostError   HostStatus = "error"
)

// Host is a physical worker machine owning a set of devices.
// Invariant: Number is globally unique; its queue name is derived, never stored.
type Host struct {
	ID            string
	Number        string // HOST01...
	Address       string
	Label         string
	Location      string
	MaxDevices    int
	LastHeartbeat *time.Time
	Status        HostStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QueueForHost derives the broker queue name from a host number.
func QueueForHost(number string) string { return strings.ToLower(number) }

// ConnectionType enumerates how a device is reachable.
type ConnectionType string

const (
	ConnUSB  ConnectionType = "usb"
	ConnWiFi ConnectionType = "wifi"
	ConnBoth ConnectionType = "both"
)

// DeviceStatus enumerates device states.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceBusy    DeviceStatus = "busy"
	DeviceError   DeviceStatus = "error"
)

// Device is an Android handset owned by at most one host.
// Invariants: Serial XOR Address non-empty; Code unique; DeviceNumber unique
// within its host; Busy only while an active job holds it.
type Device struct {
	ID             string
	Serial         string
	Address        string
	AppiumPort     int
	Model          string
	OSVersion      string
	ConnectionType ConnectionType
	PhysicalPort   int // 1..20
	DeviceNumber   int // host-local ordinal
	Code           string // HOST01-001
	Status         DeviceStatus
	BatteryLevel   int
	ErrorCount     int
	LastError      string
	LastSeen       *time.Time
	HostID         *string
	HostNumber     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionKey returns the automation identifier for the device: ip:port when
// a network address is set, otherwise the ADB serial.
func (d Device) SessionKey() string {
	if d.Address != "" {
		return d.Address
	}
	return d.Serial
}

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

// Task is one dispatched unit of work mirrored against broker state.
// Invariants: StartedAt nil iff pending; CompletedAt nil iff non-terminal;
// a terminal status is never followed by a non-terminal one.
type Task struct {
	ID          string
	BrokerID    string
	Kind        TaskKind
	Queue       string
	Status      TaskStatus
	DeviceID    *string
	HostID      *string
	Payload     []byte
	Result      []byte
	Error       string
	ErrorCode   string
	Retries     int
	Progress    int // 0..100
	ProgressMsg string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationSec *float64
}

// HostSummary is the per-host fleet rollup.
type HostSummary struct {
	HostID       string
	HostNumber   string
	Status       HostStatus
	DeviceCount  int
	OnlineCount  int
	BusyCount    int
	ErrorCount   int
	MaxDevices   int
	LastHeartbeat *time.Time
}

// TaskStats aggregates the task table by status.
type TaskStats struct {
	Total      int64
	Pending    int64
	Running    int64
	Success    int64
	Failed     int64
	Retrying   int64
	Cancelled  int64
	AvgSeconds float64
}

// Filters for paginated listings.

type HostFilter struct {
	Status   string
	Page     int
	PageSize int
}

type DeviceFilter struct {
	HostID         string
	HostNumber     string
	Status         string
	ConnectionType string
	UnassignedOnly bool
	Page           int
	PageSize       int
}

type TaskFilter struct {
	Status   string
	Kind     string
	HostID   string
	DeviceID string
	Page     int
	PageSize int
}

// Repositories (ports)

type HostRepository interface {
	Create(ctx Context, h Host) (string, error)
	Get(ctx Context, id string) (Host, error)
	GetByNumber(ctx Context, number string) (Host, error)
	List(ctx Context, f HostFilter) ([]Host, int64, error)
	Update(ctx Context, h Host) error
	Delete(ctx Context, id string) error
	Heartbeat(ctx Context, number string, at time.Time) error
	Summary(ctx Context) ([]HostSummary, error)
}

type DeviceRepository interface {
	Create(ctx Context, d Device) (string, error)
	Get(ctx Context, id string) (Device, error)
	GetByCode(ctx Context, code string) (Device, error)
	GetBySerial(ctx Context, serial string) (Device, error)
	GetByAddress(ctx Context, addr string) (Device, error)
	List(ctx Context, f DeviceFilter) ([]Device, int64, error)
	Update(ctx Context, d Device) error
	Delete(ctx Context, id string) error
	Assign(ctx Context, deviceID, hostID string) (Device, error)
	Unassign(ctx Context, deviceID string) error
	SetStatus(ctx Context, id string, status DeviceStatus) error
	RecordError(ctx Context, id string, lastError string) error
}

type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	Get(ctx Context, id string) (Task, error)
	GetByBrokerID(ctx Context, brokerID string) (Task, error)
	List(ctx Context, f TaskFilter) ([]Task, int64, error)
	MarkRunning(ctx Context, id string, at time.Time) error
	SetProgress(ctx Context, id string, progress int, msg string) error
	Complete(ctx Context, id string, status TaskStatus, result []byte, errMsg, errCode string) error
	IncrementRetries(ctx Context, id string) (int, error)
	Stats(ctx Context) (TaskStats, error)
	Recent(ctx Context, limit int) ([]Task, error)
}

// Dispatcher (port) hides the broker from the API side.

type Dispatcher interface {
	// Enqueue routes the payload to the named queue and returns the broker id.
	Enqueue(ctx Context, kind TaskKind, queue string, payload any) (string, error)
	// Revoke terminates an in-flight or pending broker task.
	Revoke(ctx Context, queue, brokerID string) error
	// BrokerState reports the broker's view of a task id.
	BrokerState(ctx Context, queue, brokerID string) (string, error)
	// Workers enumerates live workers and their subscribed queues.
	Workers(ctx Context) ([]WorkerInfo, error)
	// Queues reports per-queue depth.
	Queues(ctx Context) ([]QueueInfo, error)
	// Ping verifies broker connectivity.
	Ping(ctx Context) error
}

// WorkerInfo describes one live worker process.
type WorkerInfo struct {
	Host    string
	Queues  []string
	Started time.Time
}

// QueueInfo describes one broker queue.
type QueueInfo struct {
	Name      string
	Pending   int
	Active    int
	Retry     int
	Scheduled int
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.

type Context = context.Context
