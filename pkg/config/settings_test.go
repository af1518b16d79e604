package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings are invalid: %v", err)
	}
	if s.Log.Level != "info" || s.Log.Format != "console" {
		t.Errorf("unexpected log defaults %+v", s.Log)
	}
	if !s.Run.FailFast || s.Run.Root != "/" || s.Run.Timeout != 5*time.Minute {
		t.Errorf("unexpected run defaults %+v", s.Run)
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keel.yaml")
	content := `
log:
  level: debug
  format: json
metrics:
  enabled: true
  textfile: /var/lib/node_exporter/keel.prom
journal:
  path: /tmp/journal.db
run:
  timeout: 90s
  fail_fast: false
  template_dir: /etc/keel/templates
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Log.Level != "debug" || s.Log.Format != "json" {
		t.Errorf("unexpected log settings %+v", s.Log)
	}
	if !s.Metrics.Enabled || s.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("expected metrics enabled with default listen, got %+v", s.Metrics)
	}
	if s.Journal.Path != "/tmp/journal.db" || !s.Journal.Enabled {
		t.Errorf("unexpected journal settings %+v", s.Journal)
	}
	if s.Run.Timeout != 90*time.Second || s.Run.FailFast || s.Run.TemplateDir != "/etc/keel/templates" {
		t.Errorf("unexpected run settings %+v", s.Run)
	}
}

func TestLoadSettings_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "unknown key", content: "logging: {}\n", wantErr: "failed to parse"},
		{name: "bad level", content: "log:\n  level: loud\n", wantErr: "Level"},
		{name: "bad sample rate", content: "tracing:\n  sample_rate: 2\n", wantErr: "SampleRate"},
		{name: "journal without path", content: "journal:\n  enabled: true\n  path: \"\"\n", wantErr: "Path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "keel.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadSettings(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadSettings() error = %v, want %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected missing file to fail")
	}
}

func TestSettings_ApplyEnv(t *testing.T) {
	env := map[string]string{
		"KEEL_LOG_LEVEL":  "warn",
		"KEEL_LOG_FORMAT": "json",
		"KEEL_JOURNAL":    "off",
		"KEEL_FAIL_FAST":  "false",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s := DefaultSettings()
	if err := s.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if s.Log.Level != "warn" || s.Log.Format != "json" || s.Journal.Enabled || s.Run.FailFast {
		t.Errorf("environment not applied: %+v", s)
	}

	env["KEEL_JOURNAL"] = "/srv/keel.db"
	s = DefaultSettings()
	_ = s.applyEnv(lookup)
	if !s.Journal.Enabled || s.Journal.Path != "/srv/keel.db" {
		t.Errorf("expected journal path override, got %+v", s.Journal)
	}

	env["KEEL_FAIL_FAST"] = "maybe"
	if err := DefaultSettings().applyEnv(lookup); err == nil {
		t.Error("expected invalid KEEL_FAIL_FAST to fail")
	}
}
