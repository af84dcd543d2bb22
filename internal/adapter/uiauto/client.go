// Package uiauto is the adapter for the WebDriver-style UI-automation server.
//
// It provides a thin JSON-over-HTTP client, a multi-strategy selector engine,
// gesture-level actions, a per-host session pool, and the evidence recorder.
package uiauto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Wire-level sentinels. Element absence and staleness are swallowed by the
// selector engine; everything else propagates.
var (
	ErrNoSuchElement = errors.New("no such element")
	ErrStaleElement  = errors.New("stale element reference")
	ErrNoSuchSession = errors.New("invalid session id")
)

// Client talks to one automation server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a client for the given base URL (e.g. http://localhost:4723).
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 60 * time.Second}}
}

type valueEnvelope struct {
	Value json.RawMessage `json:"value"`
}

type wireError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=uiauto.do: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("op=uiauto.do: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=uiauto.do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("op=uiauto.do: %w", err)
	}
	var env valueEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("op=uiauto.do: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		var we wireError
		_ = json.Unmarshal(env.Value, &we)
		switch we.Error {
		case "no such element":
			return ErrNoSuchElement
		case "stale element reference":
			return ErrStaleElement
		case "invalid session id":
			return ErrNoSuchSession
		}
		return fmt.Errorf("op=uiauto.do: %s: %s", we.Error, we.Message)
	}
	if out != nil && len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return fmt.Errorf("op=uiauto.do: %w", err)
		}
	}
	return nil
}

// Ready queries the server /status document.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	var v struct {
		Ready bool `json:"ready"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &v); err != nil {
		return false, err
	}
	return v.Ready, nil
}

// NewSession creates a driver session with the given capabilities.
func (c *Client) NewSession(ctx context.Context, caps Capabilities) (*Session, error) {
	body := map[string]any{
		"capabilities": map[string]any{"alwaysMatch": caps.wire()},
	}
	var v struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &v); err != nil {
		return nil, fmt.Errorf("op=uiauto.new_session: %w", err)
	}
	if v.SessionID == "" {
		return nil, fmt.Errorf("op=uiauto.new_session: empty session id")
	}
	return &Session{c: c, id: v.SessionID}, nil
}

// Session is one live driver connection bound to a device.
type Session struct {
	c    *Client
	id   string
	winW int
	winH int
}

// ID returns the driver-side session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) path(suffix string) string { return "/session/" + s.id + suffix }

// Quit deletes the session on the server.
func (s *Session) Quit(ctx context.Context) error {
	return s.c.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}

// Element is an opaque server-side element handle.
type Element struct {
	s  *Session
	id string
}

const elementKey = "element-6066-11e4-a52e-4f735466cecf"

// FindElement locates a single element; absence returns ErrNoSuchElement.
func (s *Session) FindElement(ctx context.Context, using, value string) (*Element, error) {
	var v map[string]string
	if err := s.c.do(ctx, http.MethodPost, s.path("/element"), map[string]string{"using": using, "value": value}, &v); err != nil {
		return nil, err
	}
	id := v[elementKey]
	if id == "" {
		return nil, ErrNoSuchElement
	}
	return &Element{s: s, id: id}, nil
}

// Click taps the element.
func (e *Element) Click(ctx context.Context) error {
	return e.s.c.do(ctx, http.MethodPost, e.s.path("/element/"+e.id+"/click"), map[string]any{}, nil)
}

// SendKeys types text into the element.
func (e *Element) SendKeys(ctx context.Context, text string) error {
	return e.s.c.do(ctx, http.MethodPost, e.s.path("/element/"+e.id+"/value"), map[string]string{"text": text}, nil)
}

// Clear empties an editable element.
func (e *Element) Clear(ctx context.Context) error {
	return e.s.c.do(ctx, http.MethodPost, e.s.path("/element/"+e.id+"/clear"), map[string]any{}, nil)
}

// Text returns the element's visible text.
func (e *Element) Text(ctx context.Context) (string, error) {
	var v string
	if err := e.s.c.do(ctx, http.MethodGet, e.s.path("/element/"+e.id+"/text"), nil, &v); err != nil {
		return "", err
	}
	return v, nil
}

// Attribute reads a named attribute (content-desc, checked, ...).
func (e *Element) Attribute(ctx context.Context, name string) (string, error) {
	var v string
	if err := e.s.c.do(ctx, http.MethodGet, e.s.path("/element/"+e.id+"/attribute/"+name), nil, &v); err != nil {
		return "", err
	}
	return v, nil
}

// WindowSize returns the device screen size, cached after the first call.
func (s *Session) WindowSize(ctx context.Context) (int, int, error) {
	if s.winW > 0 && s.winH > 0 {
		return s.winW, s.winH, nil
	}
	var v struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := s.c.do(ctx, http.MethodGet, s.path("/window/rect"), nil, &v); err != nil {
		return 0, 0, err
	}
	s.winW, s.winH = v.Width, v.Height
	return v.Width, v.Height, nil
}

// Screenshot returns the current screen as PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var v string
	if err := s.c.do(ctx, http.MethodGet, s.path("/screenshot"), nil, &v); err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("op=uiauto.screenshot: %w", err)
	}
	return png, nil
}

// PressKeyCode sends an Android key event (Enter=66, Back=4, Home=3, Wakeup=224).
func (s *Session) PressKeyCode(ctx context.Context, code int) error {
	return s.c.do(ctx, http.MethodPost, s.path("/appium/device/press_keycode"), map[string]int{"keycode": code}, nil)
}

// ActivateApp brings the package to the foreground.
func (s *Session) ActivateApp(ctx context.Context, pkg string) error {
	return s.c.do(ctx, http.MethodPost, s.path("/appium/device/activate_app"), map[string]string{"appId": pkg}, nil)
}

// TerminateApp force-stops the package.
func (s *Session) TerminateApp(ctx context.Context, pkg string) error {
	return s.c.do(ctx, http.MethodPost, s.path("/appium/device/terminate_app"), map[string]string{"appId": pkg}, nil)
}

// AppState probes the package state; >= 3 means running in foreground or
// visible.
func (s *Session) AppState(ctx context.Context, pkg string) (int, error) {
	var v int
	if err := s.c.do(ctx, http.MethodPost, s.path("/appium/device/app_state"), map[string]string{"appId": pkg}, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// CurrentPackage returns the foreground package name.
func (s *Session) CurrentPackage(ctx context.Context) (string, error) {
	var v string
	if err := s.c.do(ctx, http.MethodGet, s.path("/appium/device/current_package"), nil, &v); err != nil {
		return "", err
	}
	return v, nil
}

// OpenURL fires a deep link on the device.
func (s *Session) OpenURL(ctx context.Context, url, pkg string) error {
	return s.execute(ctx, "mobile: deepLink", map[string]any{"url": url, "package": pkg}, nil)
}

// Shell runs a command through the device shell and returns its output.
func (s *Session) Shell(ctx context.Context, command string, args []string) (string, error) {
	var v string
	if err := s.execute(ctx, "mobile: shell", map[string]any{"command": command, "args": args}, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (s *Session) execute(ctx context.Context, script string, args map[string]any, out any) error {
	body := map[string]any{"script": script, "args": []any{args}}
	return s.c.do(ctx, http.MethodPost, s.path("/execute/sync"), body, out)
}

// PerformActions submits a W3C pointer-action sequence.
func (s *Session) PerformActions(ctx context.Context, actions []map[string]any) error {
	return s.c.do(ctx, http.MethodPost, s.path("/actions"), map[string]any{"actions": actions}, nil)
}
