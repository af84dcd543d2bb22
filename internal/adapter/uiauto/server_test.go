package uiauto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// fakeServer emulates the automation server's wire protocol for tests.
type fakeServer struct {
	mu sync.Mutex
	// elements present on screen: selector value -> availableAfter
	elements map[string]time.Time
	// finds counts element lookups per selector value
	finds map[string]int
	// live sessions by id
	sessions map[string]bool
	nextID   int
	// failWindow forces window/rect to 404 for these session ids
	failWindow map[string]bool
	started    time.Time
	// lastCaps records the alwaysMatch block of the newest session request
	lastCaps map[string]any
	// createHold, when set, parks session creation until the channel closes;
	// each parked request announces itself on createArrived first
	createHold    chan struct{}
	createArrived chan struct{}

	srv *httptest.Server
}

func newFakeServer() *fakeServer {
	f := &fakeServer{
		elements:   map[string]time.Time{},
		finds:      map[string]int{},
		sessions:   map[string]bool{},
		failWindow: map[string]bool{},
		started:    time.Now(),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeServer) close() { f.srv.Close() }

func (f *fakeServer) addElement(value string, after time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elements[value] = f.started.Add(after)
}

func writeValue(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"value": v})
}

func writeWireError(w http.ResponseWriter, status int, kind, msg string) {
	writeValue(w, status, map[string]string{"error": kind, "message": msg})
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/status":
		writeValue(w, 200, map[string]any{"ready": true})
	case r.Method == http.MethodPost && path == "/session":
		var body struct {
			Capabilities struct {
				AlwaysMatch map[string]any `json:"alwaysMatch"`
			} `json:"capabilities"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastCaps = body.Capabilities.AlwaysMatch
		hold, arrived := f.createHold, f.createArrived
		f.mu.Unlock()
		if hold != nil {
			arrived <- struct{}{}
			<-hold
		}
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("sess-%d", f.nextID)
		f.sessions[id] = true
		f.mu.Unlock()
		writeValue(w, 200, map[string]any{"sessionId": id})
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/session/"):
		id := strings.TrimPrefix(path, "/session/")
		f.mu.Lock()
		delete(f.sessions, id)
		f.mu.Unlock()
		writeValue(w, 200, nil)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/element"):
		var body struct {
			Using string `json:"using"`
			Value string `json:"value"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.finds[body.Value]++
		after, ok := f.elements[body.Value]
		f.mu.Unlock()
		if ok && time.Now().After(after) {
			writeValue(w, 200, map[string]string{elementKey: "el-" + body.Value})
			return
		}
		writeWireError(w, 404, "no such element", "not found: "+body.Value)
	case strings.Contains(path, "/window/rect"):
		id := strings.Split(strings.TrimPrefix(path, "/session/"), "/")[0]
		f.mu.Lock()
		bad := f.failWindow[id] || !f.sessions[id]
		f.mu.Unlock()
		if bad {
			writeWireError(w, 404, "invalid session id", "gone")
			return
		}
		writeValue(w, 200, map[string]int{"width": 1080, "height": 2340})
	case strings.Contains(path, "/screenshot"):
		writeValue(w, 200, base64.StdEncoding.EncodeToString([]byte("png-bytes")))
	case strings.Contains(path, "/element/") && strings.HasSuffix(path, "/click"):
		writeValue(w, 200, nil)
	case strings.Contains(path, "/appium/device/app_state"):
		writeValue(w, 200, 4)
	case strings.Contains(path, "/appium/device/current_package"):
		writeValue(w, 200, YouTubePackage)
	default:
		writeValue(w, 200, nil)
	}
}
