package adb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevices(t *testing.T) {
	out := `List of devices attached
R58M123ABC             device usb:1-1 product:beyond1 model:SM_G973N device:beyond1
192.168.0.21:5555      device product:a51 model:SM_A515N device:a51
R58M456DEF             unauthorized usb:1-2
* daemon started successfully

`
	entries := parseDevices(out)
	require.Len(t, entries, 3)
	assert.Equal(t, "R58M123ABC", entries[0].Serial)
	assert.Equal(t, "device", entries[0].State)
	assert.Equal(t, "SM_G973N", entries[0].Model)
	assert.Equal(t, "192.168.0.21:5555", entries[1].Serial)
	assert.Equal(t, "unauthorized", entries[2].State)
	assert.Empty(t, entries[2].Model)
}

func TestParseBatteryLevel(t *testing.T) {
	out := `Current Battery Service state:
  AC powered: false
  USB powered: true
  level: 87
  scale: 100
`
	n, err := parseBatteryLevel(out)
	require.NoError(t, err)
	assert.Equal(t, 87, n)

	_, err = parseBatteryLevel("no such field")
	assert.Error(t, err)
}

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner("", 0)
	assert.Equal(t, "adb", r.Path)
	assert.Positive(t, r.Timeout)
}
