package uiauto

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/doai/devicefarm/internal/domain"
)

// Pool manages at most MaxSessions live driver sessions per worker host,
// one per device, each on a unique system port in [BasePort, MaxPort).
// The mutex guards the port set and both maps; it is never held across a
// driver call.
type Pool struct {
	client      *Client
	basePort    int
	maxPort     int
	maxSessions int
	idleTimeout time.Duration

	mu       sync.Mutex
	free     map[int]bool
	ports    map[string]int      // device key -> port
	sessions map[string]*Session // device key -> driver
}

// NewPool builds a pool over [basePort, maxPort) with the given cap. A zero
// idleTimeout keeps the driver's default session idle window.
func NewPool(client *Client, basePort, maxPort, maxSessions int, idleTimeout time.Duration) *Pool {
	free := make(map[int]bool, maxPort-basePort)
	for p := basePort; p < maxPort; p++ {
		free[p] = true
	}
	return &Pool{
		client:      client,
		basePort:    basePort,
		maxPort:     maxPort,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		free:        free,
		ports:       map[string]int{},
		sessions:    map[string]*Session{},
	}
}

// CreateSession returns a live session for the device key, reusing an
// existing one when it still answers. A stale session is purged and rebuilt.
func (p *Pool) CreateSession(ctx context.Context, deviceKey string) (*Session, error) {
	p.mu.Lock()
	existing := p.sessions[deviceKey]
	p.mu.Unlock()

	if existing != nil {
		if p.alive(ctx, existing) {
			return existing, nil
		}
		slog.Warn("stale session purged", slog.String("device", deviceKey))
		p.CloseSession(ctx, deviceKey)
	}

	port, err := p.allocPort(deviceKey)
	if err != nil {
		return nil, err
	}
	caps := DefaultCapabilities(deviceKey, port)
	if p.idleTimeout > 0 {
		caps.IdleTimeout = p.idleTimeout
	}
	sess, err := p.client.NewSession(ctx, caps)
	if err != nil {
		p.releasePort(deviceKey)
		return nil, fmt.Errorf("op=pool.create_session: %w", err)
	}
	p.mu.Lock()
	if cur := p.sessions[deviceKey]; cur != nil {
		// Another caller committed a session for this device while ours was
		// being built. Keep theirs and quit ours; the port stays reserved
		// because the survivor holds it under the same key.
		p.mu.Unlock()
		if qerr := sess.Quit(ctx); qerr != nil {
			slog.Warn("redundant session quit failed", slog.String("device", deviceKey), slog.Any("error", qerr))
		}
		return cur, nil
	}
	p.sessions[deviceKey] = sess
	p.mu.Unlock()
	slog.Info("session created", slog.String("device", deviceKey), slog.Int("port", port))
	return sess, nil
}

// CloseSession quits the driver best-effort and unconditionally releases
// the port.
func (p *Pool) CloseSession(ctx context.Context, deviceKey string) {
	p.mu.Lock()
	sess := p.sessions[deviceKey]
	delete(p.sessions, deviceKey)
	p.mu.Unlock()
	if sess != nil {
		if err := sess.Quit(ctx); err != nil {
			slog.Warn("session quit failed", slog.String("device", deviceKey), slog.Any("error", err))
		}
	}
	p.releasePort(deviceKey)
}

// CleanupStale probes every session and purges the ones that no longer
// answer. Returns the number purged.
func (p *Pool) CleanupStale(ctx context.Context) int {
	p.mu.Lock()
	keys := make([]string, 0, len(p.sessions))
	for k := range p.sessions {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	purged := 0
	for _, k := range keys {
		p.mu.Lock()
		sess := p.sessions[k]
		p.mu.Unlock()
		if sess == nil {
			continue
		}
		if !p.alive(ctx, sess) {
			p.CloseSession(ctx, k)
			purged++
		}
	}
	if purged > 0 {
		slog.Info("stale sessions cleaned", slog.Int("purged", purged))
	}
	return purged
}

// Metrics is a point-in-time snapshot of pool state.
type Metrics struct {
	ActiveSessions int            `json:"active_sessions"`
	MaxSessions    int            `json:"max_sessions"`
	AvailablePorts int            `json:"available_ports"`
	UsedPorts      map[string]int `json:"used_ports"`
	ActiveDevices  []string       `json:"active_devices"`
}

// Snapshot returns the current pool metrics.
func (p *Pool) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := make(map[string]int, len(p.ports))
	devices := make([]string, 0, len(p.sessions))
	for k, port := range p.ports {
		used[k] = port
	}
	for k := range p.sessions {
		devices = append(devices, k)
	}
	sort.Strings(devices)
	return Metrics{
		ActiveSessions: len(p.sessions),
		MaxSessions:    p.maxSessions,
		AvailablePorts: len(p.free),
		UsedPorts:      used,
		ActiveDevices:  devices,
	}
}

// alive probes the driver with a cheap RPC; an answering window-size call
// means the session is usable.
func (p *Pool) alive(ctx context.Context, s *Session) bool {
	if s.ID() == "" {
		return false
	}
	s.winW, s.winH = 0, 0
	_, _, err := s.WindowSize(ctx)
	return err == nil
}

// allocPort reserves the smallest free port for the device under the mutex.
func (p *Pool) allocPort(deviceKey string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.ports[deviceKey]; ok {
		return port, nil
	}
	if len(p.ports) >= p.maxSessions {
		return 0, fmt.Errorf("op=pool.alloc_port: %w: %d sessions", domain.ErrPoolExhausted, len(p.ports))
	}
	for port := p.basePort; port < p.maxPort; port++ {
		if p.free[port] {
			delete(p.free, port)
			p.ports[deviceKey] = port
			return port, nil
		}
	}
	return 0, fmt.Errorf("op=pool.alloc_port: %w: no free ports", domain.ErrPoolExhausted)
}

func (p *Pool) releasePort(deviceKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.ports[deviceKey]; ok {
		delete(p.ports, deviceKey)
		p.free[port] = true
	}
}
