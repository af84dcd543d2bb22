package uiauto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Ready(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	ok, err := NewClient(f.srv.URL).Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_ErrorMapping(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	sess := newTestSession(t, f)

	_, err := sess.FindElement(context.Background(), "id", "ghost")
	assert.ErrorIs(t, err, ErrNoSuchElement)
}

func TestSession_WindowSizeCached(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	sess := newTestSession(t, f)

	w, h, err := sess.WindowSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1080, w)
	assert.Equal(t, 2340, h)

	// Second call is served from cache even if the server dies.
	f.close()
	w2, h2, err := sess.WindowSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, w, w2)
	assert.Equal(t, h, h2)
}

func TestSession_AppStateAndScreenshot(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	sess := newTestSession(t, f)

	running, err := sess.IsAppRunning(context.Background(), YouTubePackage)
	require.NoError(t, err)
	assert.True(t, running)

	png, err := sess.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), png)

	pkg, err := sess.CurrentPackage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, YouTubePackage, pkg)
}

func TestCapabilitiesWire(t *testing.T) {
	caps := DefaultCapabilities("192.168.0.5:5555", 8207)
	m := caps.wire()
	assert.Equal(t, "Android", m["platformName"])
	assert.Equal(t, "UiAutomator2", m["appium:automationName"])
	assert.Equal(t, "192.168.0.5:5555", m["appium:udid"])
	assert.Equal(t, 8207, m["appium:systemPort"])
	assert.Equal(t, true, m["appium:noReset"])
	assert.Equal(t, 300, m["appium:newCommandTimeout"])
	assert.Equal(t, YouTubePackage, m["appium:appPackage"])
}
