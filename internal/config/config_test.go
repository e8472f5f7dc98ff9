package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
listen:
  port: 9000
anthropic:
  api_key: test-key
model:
  max_iterations: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Listen.Addr(); got != ":9000" {
		t.Errorf("Addr() = %q, want :9000", got)
	}
	if cfg.Model.Name != "claude-sonnet-4-20250514" {
		t.Errorf("default model not applied, got %q", cfg.Model.Name)
	}
	if cfg.Model.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3 (explicit value overridden)", cfg.Model.MaxIterations)
	}
	if cfg.Scheduler.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.Scheduler.PollInterval)
	}
	if cfg.Bridge.DefaultTimeout != 60*time.Second {
		t.Errorf("DefaultTimeout = %v, want 60s", cfg.Bridge.DefaultTimeout)
	}
}

func TestResolveAPIKeyPrefersEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	a := AnthropicConfig{APIKey: "file-key"}
	if got := a.ResolveAPIKey(); got != "env-key" {
		t.Errorf("ResolveAPIKey() = %q, want env-key", got)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := a.ResolveAPIKey(); got != "file-key" {
		t.Errorf("ResolveAPIKey() = %q, want file-key", got)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
