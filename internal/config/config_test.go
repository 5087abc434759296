package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Budget.Total != 100000 {
		t.Errorf("default budget total = %d, want 100000", cfg.Budget.Total)
	}
	if cfg.Crew.MaxRework != 2 {
		t.Errorf("default max rework = %d, want 2", cfg.Crew.MaxRework)
	}
	if cfg.Crew.ReworkPriority != ReworkFront {
		t.Errorf("default rework priority = %s, want front", cfg.Crew.ReworkPriority)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config fails validation: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
anthropic:
  model: test-model
budget:
  total: 5000
  base_estimate: 100
crew:
  max_workers: 2
  max_rework: 1
  rework_priority: fifo
timeouts:
  worker: 30s
roles:
  - name: coder
    description: custom coder
    mode: read-write
    max_parallel: 1
    budget_weight: 1.0
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Anthropic.Model != "test-model" {
		t.Errorf("model = %q, want test-model", cfg.Anthropic.Model)
	}
	if cfg.Budget.Total != 5000 {
		t.Errorf("budget total = %d, want 5000", cfg.Budget.Total)
	}
	if cfg.Crew.ReworkPriority != ReworkFIFO {
		t.Errorf("rework priority = %s, want fifo", cfg.Crew.ReworkPriority)
	}
	if cfg.Timeouts.Worker != 30*time.Second {
		t.Errorf("worker timeout = %s, want 30s", cfg.Timeouts.Worker)
	}
	if len(cfg.Roles) != 1 || cfg.Roles[0].Description != "custom coder" {
		t.Errorf("roles not unmarshaled: %+v", cfg.Roles)
	}
}

func TestLoadFromPathDefaultsApply(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "budget:\n  total: 200\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Budget.BaseEstimate != 2000 {
		t.Errorf("base estimate default = %d, want 2000", cfg.Budget.BaseEstimate)
	}
	if cfg.Crew.MaxWorkers != 8 {
		t.Errorf("max workers default = %d, want 8", cfg.Crew.MaxWorkers)
	}
}

func TestLoadFromPathRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero base estimate", "budget:\n  base_estimate: 0\n"},
		{"negative rework", "crew:\n  max_rework: -1\n"},
		{"bad rework priority", "crew:\n  rework_priority: sideways\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "config.yaml", tt.yaml)
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAPIKeyEnvExpansion(t *testing.T) {
	t.Setenv("CREWKIT_TEST_KEY", "sk-test-123")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "anthropic:\n  api_key: ${CREWKIT_TEST_KEY}\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api key = %q, want expanded env value", cfg.Anthropic.APIKey)
	}
}
