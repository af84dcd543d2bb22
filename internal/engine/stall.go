package engine

import "time"

// StallMonitor is a time-since-last-progress watchdog polled by the watch
// loop. Single-goroutine use only.
type StallMonitor struct {
	timeout      time.Duration
	lastProgress int
	lastChange   time.Time
	now          func() time.Time
}

// NewStallMonitor builds a monitor with the given threshold.
func NewStallMonitor(timeout time.Duration, now func() time.Time) *StallMonitor {
	if now == nil {
		now = time.Now
	}
	return &StallMonitor{timeout: timeout, lastProgress: -1, lastChange: now(), now: now}
}

// Update records the current progress; the timestamp resets only when the
// value strictly differs from the last one.
func (m *StallMonitor) Update(progress int) {
	if progress != m.lastProgress {
		m.lastProgress = progress
		m.lastChange = m.now()
	}
}

// Stalled reports whether no progress change happened within the threshold.
func (m *StallMonitor) Stalled() bool {
	return m.now().Sub(m.lastChange) > m.timeout
}
