package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketscope/internal/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("explicit missing file must error")
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Concurrency != pipeline.DefaultConcurrency {
		t.Fatalf("concurrency = %d", cfg.Concurrency)
	}
	if cfg.Models[pipeline.StageTaxonomy] == "" {
		t.Fatalf("default models missing")
	}
	if cfg.Retry.MaxAttempts < 1 {
		t.Fatalf("retry defaults missing: %+v", cfg.Retry)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
models:
  taxonomy_architect: gemini-2.5-flash
  decision_jury: gemini-2.5-pro
concurrency: 8
rps: 1.5
limits:
  max_categories: 3
  max_segments_per_category: 2
retry:
  max_attempts: 6
  base_delay: 250ms
  attempt_timeout: 45s
out_dir: /tmp/scope-out
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Models[pipeline.StageTaxonomy]; got != "gemini-2.5-flash" {
		t.Fatalf("taxonomy model = %q", got)
	}
	if cfg.Concurrency != 8 || cfg.RPS != 1.5 {
		t.Fatalf("concurrency/rps = %d/%v", cfg.Concurrency, cfg.RPS)
	}
	if cfg.MaxCategories != 3 || cfg.MaxSegmentsPerCategory != 2 {
		t.Fatalf("limits = %d/%d", cfg.MaxCategories, cfg.MaxSegmentsPerCategory)
	}
	if cfg.Retry.MaxAttempts != 6 {
		t.Fatalf("max attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("base delay = %v", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.AttemptTimeout != 45*time.Second {
		t.Fatalf("attempt timeout = %v", cfg.Retry.AttemptTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Retry.SchemaAttempts < 1 {
		t.Fatalf("schema attempts lost default")
	}
	if cfg.OutDir != "/tmp/scope-out" {
		t.Fatalf("out dir = %q", cfg.OutDir)
	}
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	path := writeConfig(t, "models:\n  oracle: gemini-2.5-pro\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "retry:\n  base_delay: soonish\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PIPELINE_CONCURRENCY", "16")
	t.Setenv("MAX_CATEGORIES", "5")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != ":9090" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.Concurrency != 16 {
		t.Fatalf("concurrency = %d", cfg.Concurrency)
	}
	if cfg.MaxCategories != 5 {
		t.Fatalf("max categories = %d", cfg.MaxCategories)
	}
	if cfg.GeminiAPIKey != "test-key" {
		t.Fatalf("api key = %q", cfg.GeminiAPIKey)
	}
	if got := cfg.Settings(); got.Concurrency != 16 {
		t.Fatalf("settings concurrency = %d", got.Concurrency)
	}
	if got := cfg.Options(); got.MaxCategories != 5 {
		t.Fatalf("options = %+v", got)
	}
}
