package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeCatalog(t, `
services:
  - name: prompt_enhancer
    limit: 50
    queue: default
    timeout: 5
    lease_ttl: 15
    max_step_attempts: 6
    base_url: http://prompt-enhancer:9000
    execute_path: /v1/execute
    health_path: /health
    auth:
      type: api_key_header
      header: X-Internal-Key
  - name: email_notifier
    limit: 100
    queue: default
    timeout: 5
    lease_ttl: 15
    max_step_attempts: 6
    base_url: http://email-notifier:9000
    execute_path: /v1/execute
    health_path: /health
    auth:
      type: api_key_header
      header: X-Internal-Key
features:
  - name: business_plan
    steps: [prompt_enhancer, email_notifier]
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	svc, ok := c.Service("prompt_enhancer")
	if !ok {
		t.Fatalf("expected prompt_enhancer service")
	}
	if svc.Limit != 50 {
		t.Errorf("limit = %d, want 50", svc.Limit)
	}
	if svc.Timeout().Seconds() != 5 {
		t.Errorf("timeout = %v, want 5s", svc.Timeout())
	}

	feat, ok := c.Feature("business_plan")
	if !ok {
		t.Fatalf("expected business_plan feature")
	}
	if len(feat.Steps) != 2 {
		t.Errorf("steps = %v, want 2 entries", feat.Steps)
	}
}

func TestLoadRejectsUnknownServiceInFeature(t *testing.T) {
	path := writeCatalog(t, `
services:
  - name: prompt_enhancer
    limit: 50
    timeout: 5
    lease_ttl: 15
    max_step_attempts: 6
    base_url: http://prompt-enhancer:9000
features:
  - name: business_plan
    steps: [prompt_enhancer, nonexistent_service]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for feature referencing unknown service")
	}
}

func TestLoadRejectsNonPositiveLimit(t *testing.T) {
	path := writeCatalog(t, `
services:
  - name: prompt_enhancer
    limit: 0
    timeout: 5
    lease_ttl: 15
    max_step_attempts: 6
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-positive limit")
	}
}

func TestLoadRejectsFeatureWithNoSteps(t *testing.T) {
	path := writeCatalog(t, `
services:
  - name: prompt_enhancer
    limit: 50
    timeout: 5
    lease_ttl: 15
    max_step_attempts: 6
features:
  - name: empty_feature
    steps: []
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for feature with no steps")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
