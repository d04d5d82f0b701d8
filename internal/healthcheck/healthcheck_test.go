package healthcheck

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/wisbric/stepflow/internal/catalog"
)

func testCatalog(t *testing.T, upURL, downURL string) *catalog.Catalog {
	t.Helper()
	doc := fmt.Sprintf(`
services:
  - name: svc_up
    limit: 5
    timeout: 5
    lease_ttl: 30
    max_step_attempts: 3
    base_url: %q
    execute_path: /v1/execute
    health_path: /health
  - name: svc_down
    limit: 5
    timeout: 5
    lease_ttl: 30
    max_step_attempts: 3
    base_url: %q
    execute_path: /v1/execute
    health_path: /health
`, upURL, downURL)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing catalog fixture: %v", err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("loading catalog fixture: %v", err)
	}
	return cat
}

func TestHandleHealthReportsOK(t *testing.T) {
	h := NewHandler(testCatalog(t, "http://unused", "http://unused"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	h.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleServicesReportsPerServiceReachability(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	h := NewHandler(testCatalog(t, up.URL, down.URL))
	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	rec := httptest.NewRecorder()

	h.handleServices(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var results map[string]Status
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if !results["svc_up"].OK || results["svc_up"].StatusCode != http.StatusOK {
		t.Errorf("svc_up = %+v, want ok with status 200", results["svc_up"])
	}
	if results["svc_down"].OK || results["svc_down"].StatusCode != http.StatusServiceUnavailable {
		t.Errorf("svc_down = %+v, want not-ok with status 503", results["svc_down"])
	}
}

func TestHandleServicesReportsUnreachableService(t *testing.T) {
	h := NewHandler(testCatalog(t, "http://127.0.0.1:1", "http://127.0.0.1:1"))
	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	rec := httptest.NewRecorder()

	h.handleServices(rec, req)

	var results map[string]Status
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	for name, status := range results {
		if status.OK {
			t.Errorf("%s: expected unreachable service to report not-ok", name)
		}
		if status.Error == "" {
			t.Errorf("%s: expected an error message", name)
		}
	}
}
