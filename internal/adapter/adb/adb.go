// Package adb shells out to the Android Debug Bridge binary for device
// plumbing that runs below the automation server: discovery, install,
// reboot, and log collection.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes adb commands against a local adb server.
type Runner struct {
	Path    string
	Timeout time.Duration
}

// NewRunner builds a Runner. Empty path falls back to "adb" on PATH.
func NewRunner(path string, timeout time.Duration) *Runner {
	if path == "" {
		path = "adb"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{Path: path, Timeout: timeout}
}

// DeviceEntry is one line of `adb devices -l`.
type DeviceEntry struct {
	Serial string
	State  string // device | offline | unauthorized
	Model  string
}

func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.Path, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errb.String())
		if msg == "" {
			msg = strings.TrimSpace(out.String())
		}
		return "", fmt.Errorf("op=adb.run %s: %s: %w", args[0], msg, err)
	}
	return out.String(), nil
}

// Devices lists attached devices as adb sees them.
func (r *Runner) Devices(ctx context.Context) ([]DeviceEntry, error) {
	out, err := r.run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

func parseDevices(out string) []DeviceEntry {
	var entries []DeviceEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		e := DeviceEntry{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				e.Model = v
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// Shell runs a shell command on the device and returns combined stdout.
func (r *Runner) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	return r.run(ctx, append([]string{"-s", serial, "shell"}, args...)...)
}

// Install installs an APK. Reinstall keeps app data (-r).
func (r *Runner) Install(ctx context.Context, serial, apkPath string, reinstall bool) error {
	args := []string{"-s", serial, "install"}
	if reinstall {
		args = append(args, "-r")
	}
	args = append(args, "-g", apkPath)
	out, err := r.run(ctx, args...)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("op=adb.install: %s", strings.TrimSpace(out))
	}
	return nil
}

// Uninstall removes a package from the device.
func (r *Runner) Uninstall(ctx context.Context, serial, pkg string) error {
	out, err := r.run(ctx, "-s", serial, "uninstall", pkg)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("op=adb.uninstall: %s", strings.TrimSpace(out))
	}
	return nil
}

// IsInstalled checks package presence via pm.
func (r *Runner) IsInstalled(ctx context.Context, serial, pkg string) (bool, error) {
	out, err := r.Shell(ctx, serial, "pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "package:"+pkg), nil
}

// Push copies a local file to the device.
func (r *Runner) Push(ctx context.Context, serial, local, remote string) error {
	_, err := r.run(ctx, "-s", serial, "push", local, remote)
	return err
}

// Reboot restarts the device.
func (r *Runner) Reboot(ctx context.Context, serial string) error {
	_, err := r.run(ctx, "-s", serial, "reboot")
	return err
}

// BatteryLevel reads the battery percentage from dumpsys.
func (r *Runner) BatteryLevel(ctx context.Context, serial string) (int, error) {
	out, err := r.Shell(ctx, serial, "dumpsys", "battery")
	if err != nil {
		return 0, err
	}
	return parseBatteryLevel(out)
}

func parseBatteryLevel(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "level:"); ok {
			var n int
			if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
				return 0, fmt.Errorf("op=adb.battery: parse %q: %w", v, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("op=adb.battery: level not found")
}

// OSVersion reads the Android release version.
func (r *Runner) OSVersion(ctx context.Context, serial string) (string, error) {
	out, err := r.Shell(ctx, serial, "getprop", "ro.build.version.release")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Logcat dumps the recent log buffer.
func (r *Runner) Logcat(ctx context.Context, serial string, lines int) (string, error) {
	if lines <= 0 {
		lines = 500
	}
	return r.run(ctx, "-s", serial, "logcat", "-d", "-t", fmt.Sprintf("%d", lines))
}
