package engine

import (
	"context"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
)

// Elem is an element handle returned by the driver. Absence is expressed as
// a nil Elem, never an error.
type Elem interface {
	Click(ctx context.Context) error
	SendKeys(ctx context.Context, text string) error
	Clear(ctx context.Context) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, error)
}

// Driver is the slice of the automation session the flows need. All calls
// block synchronously on the calling goroutine.
type Driver interface {
	Find(ctx context.Context, strategies []uiauto.Selector, timeout time.Duration) (Elem, error)
	Exists(ctx context.Context, strategies []uiauto.Selector, timeout time.Duration) (bool, error)
	TapAt(ctx context.Context, x, y int) error
	DoubleTapAt(ctx context.Context, x, y int) error
	PressKeyCode(ctx context.Context, code int) error
	ScrollDown(ctx context.Context) error
	ScrollUp(ctx context.Context) error
	ScrollDownSmall(ctx context.Context) error
	SwipeUpUnlock(ctx context.Context) error
	ActivateApp(ctx context.Context, pkg string) error
	TerminateApp(ctx context.Context, pkg string) error
	IsAppRunning(ctx context.Context, pkg string) (bool, error)
	CurrentPackage(ctx context.Context) (string, error)
	OpenURL(ctx context.Context, url, pkg string) error
	Shell(ctx context.Context, command string, args []string) (string, error)
	WindowSize(ctx context.Context) (int, int, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// sessionDriver adapts a live uiauto session to the Driver interface.
type sessionDriver struct {
	*uiauto.Session
}

// NewSessionDriver wraps a pooled session for use by the flows.
func NewSessionDriver(s *uiauto.Session) Driver { return sessionDriver{Session: s} }

func (d sessionDriver) Find(ctx context.Context, strategies []uiauto.Selector, timeout time.Duration) (Elem, error) {
	el, err := d.Session.FindWithFallback(ctx, strategies, timeout)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, nil
	}
	return el, nil
}
