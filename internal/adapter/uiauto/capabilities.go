package uiauto

import "time"

// Default target application.
const (
	YouTubePackage  = "com.google.android.youtube"
	YouTubeActivity = "com.google.android.youtube.HomeActivity"
)

// Capabilities describe one UiAutomator2 session. IdleTimeout is how long
// the server keeps the session alive between commands.
type Capabilities struct {
	UDID        string
	SystemPort  int
	AppPackage  string
	AppActivity string
	NoReset     bool
	IdleTimeout time.Duration
}

// DefaultCapabilities builds the standard viewing-job capabilities for a
// device key (serial or ip:port) and an allocated system port.
func DefaultCapabilities(udid string, systemPort int) Capabilities {
	return Capabilities{
		UDID:        udid,
		SystemPort:  systemPort,
		AppPackage:  YouTubePackage,
		AppActivity: YouTubeActivity,
		NoReset:     true,
		IdleTimeout: 300 * time.Second,
	}
}

func (c Capabilities) wire() map[string]any {
	m := map[string]any{
		"platformName":             "Android",
		"appium:automationName":    "UiAutomator2",
		"appium:udid":              c.UDID,
		"appium:systemPort":        c.SystemPort,
		"appium:noReset":           c.NoReset,
		"appium:newCommandTimeout": int(c.IdleTimeout.Seconds()),
	}
	if c.AppPackage != "" {
		m["appium:appPackage"] = c.AppPackage
	}
	if c.AppActivity != "" {
		m["appium:appActivity"] = c.AppActivity
	}
	return m
}
