package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewave.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
policies_dir: /etc/gatewave/policies
results_url: https://resultsdb.example.com/api/v2.0/
waivers_url: https://waiverdb.example.com/api/v1.0
remote_rules:
  templates:
    "*": https://src.example.com/{pkg_namespace}/{pkg_name}/raw/{rev}/f/gating.yaml
cache:
  backend: memory
`)
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PoliciesDir != "/etc/gatewave/policies" {
		t.Fatalf("unexpected policies dir %q", cfg.PoliciesDir)
	}
	if cfg.ResultsURL != "https://resultsdb.example.com/api/v2.0" {
		t.Fatalf("trailing slash must be trimmed, got %q", cfg.ResultsURL)
	}
	if cfg.URLTemplates()["*"] == "" {
		t.Fatal("remote rule templates not loaded")
	}
	if cfg.Listener.WaiverTopic != "waiver.new" {
		t.Fatalf("unexpected default waiver topic %q", cfg.Listener.WaiverTopic)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "no_such_field: 1\n")
	if _, err := Load(path, false); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadMissingAllowed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load allow missing: %v", err)
	}
	if cfg.PoliciesDir != "" {
		t.Fatalf("expected zero config, got %q", cfg.PoliciesDir)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Load(path, false); err == nil {
		t.Fatal("expected missing config error")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "results_url: https://file.example.com\n")
	t.Setenv("GATEWAVE_RESULTS_URL", "https://env.example.com")
	t.Setenv("GATEWAVE_LISTENER_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ResultsURL != "https://env.example.com" {
		t.Fatalf("env override not applied, got %q", cfg.ResultsURL)
	}
	if len(cfg.Listener.Brokers) != 2 {
		t.Fatalf("unexpected brokers %v", cfg.Listener.Brokers)
	}
}
