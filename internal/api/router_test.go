package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/staging"
)

func withMuxVars(r *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(r, vars)
}

type fakeConfigReader struct{ cfg core.LocationConfig }

func (f fakeConfigReader) Current() core.LocationConfig { return f.cfg }

type fakeConfigPatcher struct{ calls int }

func (f *fakeConfigPatcher) Update(ctx context.Context, path string, patch []byte) error {
	f.calls++
	return nil
}

type fakeQueueStatus struct {
	stats    staging.Stats
	fallback bool
}

func (f fakeQueueStatus) Stats(ctx context.Context) (staging.Stats, error) { return f.stats, nil }
func (f fakeQueueStatus) UsingFallback() bool                              { return f.fallback }

type fakeTokenHealth struct{ err error }

func (f fakeTokenHealth) Token(ctx context.Context) (string, error) { return "tok", f.err }

type fakeForwarderHealth struct{ healthy bool }

func (f fakeForwarderHealth) Healthy() bool { return f.healthy }

func newTestRouter() *handlers {
	return &handlers{cfg: Config{
		Location:      "loc-a",
		CompanyID:     "company-a",
		ConfigReader:  fakeConfigReader{cfg: core.LocationConfig{Deduplicate: true, Reporting: true}},
		ConfigPatcher: &fakeConfigPatcher{},
		Queue:         fakeQueueStatus{stats: staging.Stats{Size: 3, Ready: 3}},
		Tokens:        fakeTokenHealth{},
		Forwarder:     fakeForwarderHealth{healthy: true},
	}}
}

func TestHealthReportsHealthyWhenAllDependenciesOK(t *testing.T) {
	h := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthReportsDegradedWhenAuthFails(t *testing.T) {
	h := newTestRouter()
	h.cfg.Tokens = fakeTokenHealth{err: ErrTestAuthFailure}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health endpoint always returns 200 with a status field, got %d", rec.Code)
	}
	if !containsSubstring(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("expected degraded status in body, got %s", rec.Body.String())
	}
}

func TestGetLocationConfigRequiresCompanyID(t *testing.T) {
	h := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/config/location/loc-a", nil)
	req = withMuxVars(req, map[string]string{"name": "loc-a"})
	rec := httptest.NewRecorder()

	h.getLocationConfig(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 missing companyId, got %d", rec.Code)
	}
}

func TestGetLocationConfigReturns404ForUnknownLocation(t *testing.T) {
	h := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/config/location/other-loc?companyId=company-a", nil)
	req = withMuxVars(req, map[string]string{"name": "other-loc"})
	rec := httptest.NewRecorder()

	h.getLocationConfig(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetLocationConfigReturnsCurrentSnapshot(t *testing.T) {
	h := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/config/location/loc-a?companyId=company-a", nil)
	req = withMuxVars(req, map[string]string{"name": "loc-a"})
	rec := httptest.NewRecorder()

	h.getLocationConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRedisStatusReportsConnectedWhenNotOnFallback(t *testing.T) {
	h := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/redis/status", nil)
	rec := httptest.NewRecorder()

	h.redisStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !containsSubstring(rec.Body.String(), `"connected":true`) {
		t.Fatalf("expected connected:true, got %s", rec.Body.String())
	}
}

var ErrTestAuthFailure = httpTestErr("refresh failed")

type httpTestErr string

func (e httpTestErr) Error() string { return string(e) }

func containsSubstring(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
