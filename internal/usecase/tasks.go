// Package usecase contains application business logic services.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doai/devicefarm/internal/domain"
)

func newTaskID() string { return uuid.New().String() }

// TaskService dispatches work to host queues and mirrors broker state.
type TaskService struct {
	Tasks      domain.TaskRepository
	Hosts      domain.HostRepository
	Devices    domain.DeviceRepository
	Dispatcher domain.Dispatcher
}

// NewTaskService constructs a TaskService with its dependencies.
func NewTaskService(t domain.TaskRepository, h domain.HostRepository, d domain.DeviceRepository, disp domain.Dispatcher) TaskService {
	return TaskService{Tasks: t, Hosts: h, Devices: d, Dispatcher: disp}
}

// DispatchResult is the adapter-usecase DTO for a dispatched task.
type DispatchResult struct {
	TaskID   string `json:"task_id"`
	BrokerID string `json:"broker_id"`
	Queue    string `json:"queue"`
}

// Dispatch resolves the target queue from the device's host, enqueues the
// payload, and mirrors the task row. The row is written after the enqueue
// so a broker failure leaves no orphan row.
func (s TaskService) Dispatch(ctx domain.Context, kind domain.TaskKind, deviceID string, payload any) (DispatchResult, error) {
	if kind == "" {
		return DispatchResult{}, fmt.Errorf("%w: kind required", domain.ErrInvalidArgument)
	}
	queue := domain.DefaultQueue
	var devID, hostID *string
	var device domain.Device
	if deviceID != "" {
		var err error
		device, err = s.Devices.Get(ctx, deviceID)
		if err != nil {
			return DispatchResult{}, err
		}
		if device.HostID == nil || device.HostNumber == "" {
			return DispatchResult{}, fmt.Errorf("%w: device %s has no host", domain.ErrConflict, deviceID)
		}
		if requiresOnline(kind) && device.Status != domain.DeviceOnline {
			return DispatchResult{}, fmt.Errorf("%w: device %s is %s, want online", domain.ErrConflict, deviceID, device.Status)
		}
		queue = domain.QueueForHost(device.HostNumber)
		devID = &device.ID
		hostID = device.HostID
	}

	taskID := newTaskID()
	body := withTaskID(payload, taskID)
	if devID != nil {
		// Workers address the handset by serial or network address, so a
		// device-bound dispatch always carries them even when the caller
		// only named the device id.
		body = withDevice(body, device)
	}
	brokerID, err := s.Dispatcher.Enqueue(ctx, kind, queue, body)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("op=tasks.dispatch: %w", err)
	}
	raw, _ := json.Marshal(body)
	if _, err := s.Tasks.Create(ctx, domain.Task{
		ID:        taskID,
		BrokerID:  brokerID,
		Kind:      kind,
		Queue:     queue,
		Status:    domain.TaskPending,
		DeviceID:  devID,
		HostID:    hostID,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		// The broker copy will be dropped by the worker when the row is missing.
		_ = s.Dispatcher.Revoke(ctx, queue, brokerID)
		return DispatchResult{}, fmt.Errorf("op=tasks.dispatch: %w", err)
	}
	return DispatchResult{TaskID: taskID, BrokerID: brokerID, Queue: queue}, nil
}

// requiresOnline reports whether the kind needs a live handset. Maintenance
// kinds (health checks, reboots, installs) may target any status; a viewing
// job on a busy or offline device is never enqueued.
func requiresOnline(kind domain.TaskKind) bool {
	return kind == domain.TaskRunBot || kind == domain.TaskAppiumRunBot
}

// DispatchToHost routes a task to a specific host queue with no device binding.
func (s TaskService) DispatchToHost(ctx domain.Context, kind domain.TaskKind, hostNumber string, payload any) (DispatchResult, error) {
	if kind == "" {
		return DispatchResult{}, fmt.Errorf("%w: kind required", domain.ErrInvalidArgument)
	}
	queue := domain.DefaultQueue
	var hostID *string
	if hostNumber != "" {
		host, err := s.Hosts.GetByNumber(ctx, hostNumber)
		if err != nil {
			return DispatchResult{}, err
		}
		queue = domain.QueueForHost(host.Number)
		hostID = &host.ID
	}
	taskID := newTaskID()
	body := withTaskID(payload, taskID)
	brokerID, err := s.Dispatcher.Enqueue(ctx, kind, queue, body)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("op=tasks.dispatch_host: %w", err)
	}
	raw, _ := json.Marshal(body)
	if _, err := s.Tasks.Create(ctx, domain.Task{
		ID:        taskID,
		BrokerID:  brokerID,
		Kind:      kind,
		Queue:     queue,
		Status:    domain.TaskPending,
		HostID:    hostID,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		_ = s.Dispatcher.Revoke(ctx, queue, brokerID)
		return DispatchResult{}, fmt.Errorf("op=tasks.dispatch_host: %w", err)
	}
	return DispatchResult{TaskID: taskID, BrokerID: brokerID, Queue: queue}, nil
}

// Cancel revokes the broker copy and closes the row. Cancelling a terminal
// task is a conflict.
func (s TaskService) Cancel(ctx domain.Context, taskID string) error {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %s already %s", domain.ErrConflict, taskID, task.Status)
	}
	if err := s.Dispatcher.Revoke(ctx, task.Queue, task.BrokerID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=tasks.cancel: %w", err)
	}
	return s.Tasks.Complete(ctx, taskID, domain.TaskCancelled, nil, "cancelled by operator", "")
}

// TaskView merges the mirrored row with the broker's live view.
type TaskView struct {
	Task        domain.Task `json:"task"`
	BrokerState string      `json:"broker_state,omitempty"`
}

// Get returns the task with its broker state when the broker still knows it.
func (s TaskService) Get(ctx domain.Context, taskID string) (TaskView, error) {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	view := TaskView{Task: task}
	if state, err := s.Dispatcher.BrokerState(ctx, task.Queue, task.BrokerID); err == nil {
		view.BrokerState = state
	}
	return view, nil
}

// List returns a filtered page of mirrored tasks.
func (s TaskService) List(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, int64, error) {
	return s.Tasks.List(ctx, f)
}

// Stats aggregates the task table.
func (s TaskService) Stats(ctx domain.Context) (domain.TaskStats, error) {
	return s.Tasks.Stats(ctx)
}

// Recent returns the newest tasks.
func (s TaskService) Recent(ctx domain.Context, limit int) ([]domain.Task, error) {
	return s.Tasks.Recent(ctx, limit)
}

// Workers enumerates live broker workers.
func (s TaskService) Workers(ctx domain.Context) ([]domain.WorkerInfo, error) {
	return s.Dispatcher.Workers(ctx)
}

// Queues reports broker queue depths.
func (s TaskService) Queues(ctx domain.Context) ([]domain.QueueInfo, error) {
	return s.Dispatcher.Queues(ctx)
}

// withTaskID stamps the mirrored task id into the payload so the worker can
// report back against the right row.
func withTaskID(payload any, taskID string) any {
	b, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return payload
	}
	m["task_id"] = taskID
	return m
}

func withDevice(body any, d domain.Device) any {
	m, ok := body.(map[string]any)
	if !ok {
		return body
	}
	m["device_id"] = d.ID
	if v, _ := m["serial"].(string); v == "" {
		m["serial"] = d.Serial
	}
	if v, _ := m["address"].(string); v == "" {
		m["address"] = d.Address
	}
	if v, _ := m["appium_port"].(float64); v == 0 && d.AppiumPort != 0 {
		m["appium_port"] = d.AppiumPort
	}
	return m
}
