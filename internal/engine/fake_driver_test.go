package engine

import (
	"context"
	"time"

	"github.com/doai/devicefarm/internal/adapter/uiauto"
)

// vclock is a virtual clock: sleeps advance it instantly.
type vclock struct {
	t time.Time
}

func newVClock() *vclock { return &vclock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)} }

func (c *vclock) Now() time.Time { return c.t }

func (c *vclock) Sleep(_ context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return nil
}

// elapsed returns virtual seconds since the clock epoch.
func (c *vclock) elapsed() time.Duration {
	return c.t.Sub(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

type fakeElem struct {
	d           *fakeDriver
	key         string
	text        func() string
	desc        string
	visibleFrom time.Duration
	visibleTo   time.Duration // zero means forever
	clicks      int
	typed       []string
}

func (e *fakeElem) visible(at time.Duration) bool {
	if at < e.visibleFrom {
		return false
	}
	if e.visibleTo > 0 && at > e.visibleTo {
		return false
	}
	return true
}

func (e *fakeElem) Click(context.Context) error { e.clicks++; return nil }
func (e *fakeElem) SendKeys(_ context.Context, s string) error {
	e.typed = append(e.typed, s)
	return nil
}
func (e *fakeElem) Clear(context.Context) error { return nil }
func (e *fakeElem) Text(context.Context) (string, error) {
	if e.text != nil {
		return e.text(), nil
	}
	return "", nil
}
func (e *fakeElem) Attribute(_ context.Context, name string) (string, error) {
	if name == "content-desc" {
		return e.desc, nil
	}
	return "", nil
}

type tapPoint struct{ x, y int }

// fakeDriver is a scripted in-memory driver for flow tests. Elements are
// keyed by selector value; visibility windows run on the virtual clock.
type fakeDriver struct {
	clock       *vclock
	elems       map[string]*fakeElem
	running     bool
	foreground  string
	shellOut    string
	width       int
	height      int
	taps        []tapPoint
	doubleTaps  []tapPoint
	keycodes    []int
	scrollDowns int
	activated   []string
	terminated  []string
	urls        []string
}

func newFakeDriver(clock *vclock) *fakeDriver {
	return &fakeDriver{
		clock:      clock,
		elems:      map[string]*fakeElem{},
		running:    true,
		foreground: uiauto.YouTubePackage,
		width:      1080,
		height:     2340,
	}
}

// addElem registers an always-visible element under the selector value key.
func (d *fakeDriver) addElem(key string) *fakeElem {
	e := &fakeElem{d: d, key: key}
	d.elems[key] = e
	return e
}

func (d *fakeDriver) lookup(strategies []uiauto.Selector) *fakeElem {
	at := d.clock.elapsed()
	for _, sel := range strategies {
		for key, e := range d.elems {
			if sel.Value == key || containsKey(sel.Value, key) {
				if e.visible(at) {
					return e
				}
			}
		}
	}
	return nil
}

// containsKey matches uiautomator selector strings built around a key.
func containsKey(value, key string) bool {
	return key != "" && len(value) > len(key) && indexOf(value, key) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (d *fakeDriver) Find(_ context.Context, strategies []uiauto.Selector, _ time.Duration) (Elem, error) {
	if e := d.lookup(strategies); e != nil {
		return e, nil
	}
	return nil, nil
}

func (d *fakeDriver) Exists(_ context.Context, strategies []uiauto.Selector, _ time.Duration) (bool, error) {
	return d.lookup(strategies) != nil, nil
}

func (d *fakeDriver) TapAt(_ context.Context, x, y int) error {
	d.taps = append(d.taps, tapPoint{x, y})
	return nil
}

func (d *fakeDriver) DoubleTapAt(_ context.Context, x, y int) error {
	d.doubleTaps = append(d.doubleTaps, tapPoint{x, y})
	return nil
}

func (d *fakeDriver) PressKeyCode(_ context.Context, code int) error {
	d.keycodes = append(d.keycodes, code)
	return nil
}

func (d *fakeDriver) ScrollDown(context.Context) error      { d.scrollDowns++; return nil }
func (d *fakeDriver) ScrollUp(context.Context) error        { return nil }
func (d *fakeDriver) ScrollDownSmall(context.Context) error { return nil }
func (d *fakeDriver) SwipeUpUnlock(context.Context) error   { return nil }

func (d *fakeDriver) ActivateApp(_ context.Context, pkg string) error {
	d.activated = append(d.activated, pkg)
	d.running = true
	d.foreground = pkg
	return nil
}

func (d *fakeDriver) TerminateApp(_ context.Context, pkg string) error {
	d.terminated = append(d.terminated, pkg)
	d.running = false
	return nil
}

func (d *fakeDriver) IsAppRunning(_ context.Context, _ string) (bool, error) {
	return d.running, nil
}

func (d *fakeDriver) CurrentPackage(context.Context) (string, error) {
	return d.foreground, nil
}

func (d *fakeDriver) OpenURL(_ context.Context, url, _ string) error {
	d.urls = append(d.urls, url)
	return nil
}

func (d *fakeDriver) Shell(_ context.Context, _ string, _ []string) (string, error) {
	return d.shellOut, nil
}

func (d *fakeDriver) WindowSize(context.Context) (int, int, error) {
	return d.width, d.height, nil
}

func (d *fakeDriver) Screenshot(context.Context) ([]byte, error) {
	return []byte("\x89PNG fake"), nil
}
