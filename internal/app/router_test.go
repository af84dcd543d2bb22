package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/doai/devicefarm/internal/adapter/httpserver"
	"github.com/doai/devicefarm/internal/config"
	"github.com/doai/devicefarm/internal/usecase"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{RateLimitPerMin: 60, CORSAllowOrigins: "*"}
	// Zero-valued services are fine: these tests only hit routes that never
	// reach a repository.
	srv := httpserver.NewServer(cfg, usecase.HostService{}, usecase.DeviceService{}, usecase.TaskService{}, usecase.BotService{}, nil, nil, nil)
	return BuildRouter(cfg, srv)
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example "))
}

func TestRouter_HealthAndSecurityHeaders(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouter_MetricsExposed(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ReadyzWithoutChecks(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_UnknownRoute(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_LiveEndpoint(t *testing.T) {
	h := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/live", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
