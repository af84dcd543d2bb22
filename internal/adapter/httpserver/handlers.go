package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/doai/devicefarm/internal/config"
	"github.com/doai/devicefarm/internal/domain"
	"github.com/doai/devicefarm/internal/usecase"
)

// ReadyProber answers whether the local automation server accepts sessions.
type ReadyProber interface {
	Ready(ctx context.Context) (bool, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Hosts      usecase.HostService
	Devices    usecase.DeviceService
	Tasks      usecase.TaskService
	Bots       usecase.BotService
	Appium     ReadyProber
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error

	// workerAwait overrides how long metrics endpoints wait for a worker
	// task answer; zero means the default probe window.
	workerAwait time.Duration
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, hosts usecase.HostService, devices usecase.DeviceService, tasks usecase.TaskService, bots usecase.BotService, appium ReadyProber, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Hosts: hosts, Devices: devices, Tasks: tasks, Bots: bots, Appium: appium, DBCheck: dbCheck, RedisCheck: redisCheck}
}

const timeFormat = time.RFC3339

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeJSON decodes and validates a request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	return page, size
}

// ReadyzHandler probes the database and the broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
