package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
tool:
  name: fusion_bridge
  readme: Controls the CAD session.
  description: Full bridge into the running CAD session.
  callback_endpoint: go-client://fusion-bridge
  api_key: secret123
  parameters:
    type: object
    properties:
      message:
        type: string
timing:
  request_timeout_sec: 20
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Tool.Name != "fusion_bridge" {
		t.Errorf("Tool.Name = %q, want %q", cfg.Tool.Name, "fusion_bridge")
	}
	if cfg.Tool.APIKey != "secret123" {
		t.Errorf("Tool.APIKey = %q, want %q", cfg.Tool.APIKey, "secret123")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}

	// Explicit value kept, zero values defaulted.
	if cfg.Timing.RequestTimeoutSec != 20 {
		t.Errorf("RequestTimeoutSec = %d, want 20", cfg.Timing.RequestTimeoutSec)
	}
	if cfg.Timing.NestedCallTimeoutSec != 30 {
		t.Errorf("NestedCallTimeoutSec = %d, want 30", cfg.Timing.NestedCallTimeoutSec)
	}
	if cfg.Timing.BackoffInitialSec != 2 {
		t.Errorf("BackoffInitialSec = %d, want 2", cfg.Timing.BackoffInitialSec)
	}
}

func TestLoad_MissingToolName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing tool.name, got nil")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Tool.Name != "demo_tool_go" {
		t.Errorf("Tool.Name = %q, want %q", cfg.Tool.Name, "demo_tool_go")
	}
	if cfg.Tool.CallbackEndpoint == "" {
		t.Error("CallbackEndpoint is empty")
	}
	if cfg.Timing.RequestTimeoutSec != 10 {
		t.Errorf("RequestTimeoutSec = %d, want 10", cfg.Timing.RequestTimeoutSec)
	}
	if cfg.Timing.ShutdownGraceSec != 10 {
		t.Errorf("ShutdownGraceSec = %d, want 10", cfg.Timing.ShutdownGraceSec)
	}

	// The registration schema must require the message parameter.
	req, ok := cfg.Tool.Parameters["required"].([]any)
	if !ok || len(req) != 1 || req[0] != "message" {
		t.Errorf("Parameters[required] = %v, want [message]", cfg.Tool.Parameters["required"])
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config, got nil")
	}
}

func TestFindConfig_NoneFound(t *testing.T) {
	// Run from an empty directory so ./config.yaml does not exist.
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWD) })

	path, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if path != "" && !fileExists(path) {
		t.Errorf("FindConfig returned nonexistent path %q", path)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"trace", false},
		{"debug", false},
		{"info", false},
		{"", false},
		{"WARN", false},
		{"warning", false},
		{"error", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}
