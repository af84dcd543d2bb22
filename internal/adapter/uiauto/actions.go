package uiauto

import (
	"context"
	"time"
)

// Android key codes used by the flows.
const (
	KeyEnter  = 66
	KeyBack   = 4
	KeyHome   = 3
	KeyWakeup = 224
)

// appRunningState is the minimum app_state value meaning "running".
const appRunningState = 3

// IsAppRunning reports whether the package is foreground or visible.
func (s *Session) IsAppRunning(ctx context.Context, pkg string) (bool, error) {
	st, err := s.AppState(ctx, pkg)
	if err != nil {
		return false, err
	}
	return st >= appRunningState, nil
}

// TapAt taps absolute coordinates with a W3C pointer sequence.
func (s *Session) TapAt(ctx context.Context, x, y int) error {
	return s.PerformActions(ctx, pointerSequence(
		move(x, y), down(), pauseMs(80), up(),
	))
}

// DoubleTapAt taps the same point twice in quick succession. YouTube's
// player treats a double tap on the right region as a 10-second forward skip.
func (s *Session) DoubleTapAt(ctx context.Context, x, y int) error {
	return s.PerformActions(ctx, pointerSequence(
		move(x, y), down(), pauseMs(60), up(), pauseMs(80), down(), pauseMs(60), up(),
	))
}

// Swipe drags from (x1,y1) to (x2,y2) over the given duration.
func (s *Session) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return s.PerformActions(ctx, pointerSequence(
		move(x1, y1), down(), moveOver(x2, y2, dur), up(),
	))
}

// TypeText sends text to an element, optionally clearing it first.
func (s *Session) TypeText(ctx context.Context, el *Element, text string, clearFirst bool) error {
	if clearFirst {
		if err := el.Clear(ctx); err != nil {
			return err
		}
	}
	return el.SendKeys(ctx, text)
}

// Directional scrolls computed from the cached screen size.

func (s *Session) ScrollDown(ctx context.Context) error      { return s.vScroll(ctx, 0.70, 0.30, 300) }
func (s *Session) ScrollUp(ctx context.Context) error        { return s.vScroll(ctx, 0.30, 0.70, 300) }
func (s *Session) ScrollDownSmall(ctx context.Context) error { return s.vScroll(ctx, 0.60, 0.45, 250) }

func (s *Session) vScroll(ctx context.Context, fromPct, toPct float64, durMs int) error {
	w, h, err := s.WindowSize(ctx)
	if err != nil {
		return err
	}
	x := w / 2
	return s.Swipe(ctx, x, int(float64(h)*fromPct), x, int(float64(h)*toPct), time.Duration(durMs)*time.Millisecond)
}

func (s *Session) ScrollLeft(ctx context.Context) error  { return s.hScroll(ctx, 0.80, 0.20) }
func (s *Session) ScrollRight(ctx context.Context) error { return s.hScroll(ctx, 0.20, 0.80) }

func (s *Session) hScroll(ctx context.Context, fromPct, toPct float64) error {
	w, h, err := s.WindowSize(ctx)
	if err != nil {
		return err
	}
	y := h / 2
	return s.Swipe(ctx, int(float64(w)*fromPct), y, int(float64(w)*toPct), y, 300*time.Millisecond)
}

// SwipeUpUnlock performs the wake-then-swipe unlock gesture.
func (s *Session) SwipeUpUnlock(ctx context.Context) error {
	if err := s.PressKeyCode(ctx, KeyWakeup); err != nil {
		return err
	}
	w, h, err := s.WindowSize(ctx)
	if err != nil {
		return err
	}
	return s.Swipe(ctx, w/2, int(float64(h)*0.85), w/2, int(float64(h)*0.25), 300*time.Millisecond)
}

// W3C pointer-action plumbing.

type pointerItem map[string]any

func move(x, y int) pointerItem {
	return pointerItem{"type": "pointerMove", "duration": 0, "x": x, "y": y}
}

func moveOver(x, y int, dur time.Duration) pointerItem {
	return pointerItem{"type": "pointerMove", "duration": int(dur.Milliseconds()), "x": x, "y": y}
}

func down() pointerItem    { return pointerItem{"type": "pointerDown", "button": 0} }
func up() pointerItem      { return pointerItem{"type": "pointerUp", "button": 0} }
func pauseMs(ms int) pointerItem { return pointerItem{"type": "pause", "duration": ms} }

func pointerSequence(items ...pointerItem) []map[string]any {
	actions := make([]any, 0, len(items))
	for _, it := range items {
		actions = append(actions, it)
	}
	return []map[string]any{{
		"type":       "pointer",
		"id":         "finger1",
		"parameters": map[string]any{"pointerType": "touch"},
		"actions":    actions,
	}}
}
