package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestTaskMetricsHelpers(t *testing.T) {
	InitMetrics()
	EnqueueTask("tasks.youtube.run_bot")
	StartProcessingTask("tasks.youtube.run_bot")
	CompleteTask("tasks.youtube.run_bot")
	FailTask("tasks.youtube.run_bot", "E4001")
	SetActiveSessions(3)
	ObserveWatch(120, 2, 1)
}
