// Package config handles remote-tool configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/remote-tool/config.yaml,
// /etc/remote-tool/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "remote-tool", "config.yaml"))
	}

	paths = append(paths, "/etc/remote-tool/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path (and no error) if nothing was found — the caller
// falls back to the built-in demo tool configuration in that case.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all remote-tool configuration.
type Config struct {
	Tool     ToolConfig   `yaml:"tool"`
	Timing   TimingConfig `yaml:"timing"`
	LogLevel string       `yaml:"log_level"`
}

// ToolConfig is the identity this process registers with the control
// plane. Every field except Parameters is sent verbatim in the
// registration request.
type ToolConfig struct {
	// Name is the unique tool identifier (e.g., "demo_tool_go").
	Name string `yaml:"name"`
	// Readme is the minimal summary telling the AI when to use the tool.
	Readme string `yaml:"readme"`
	// Description is the comprehensive documentation for the AI.
	Description string `yaml:"description"`
	// Parameters is a JSON-Schema-shaped object describing accepted input.
	Parameters map[string]any `yaml:"parameters"`
	// CallbackEndpoint identifies this client for reverse-call routing.
	CallbackEndpoint string `yaml:"callback_endpoint"`
	// APIKey authenticates the tool with the control plane.
	APIKey string `yaml:"api_key"`
}

// TimingConfig holds the engine's timeout and backoff knobs. All values
// are in seconds; zero values are replaced by ApplyDefaults.
type TimingConfig struct {
	// RequestTimeoutSec bounds the wait for a correlated response (default 10).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	// NestedCallTimeoutSec bounds nested tool calls made from reverse-call
	// handlers (default 30 — other tools may themselves call out).
	NestedCallTimeoutSec int `yaml:"nested_call_timeout_sec"`
	// DiscoveryTimeoutSec bounds the helper-subprocess handshake (default 5).
	DiscoveryTimeoutSec int `yaml:"discovery_timeout_sec"`
	// ShutdownGraceSec bounds the drain of in-flight reverse calls on
	// shutdown (default 10).
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
	// BackoffInitialSec is the first reconnect delay (default 2).
	BackoffInitialSec int `yaml:"backoff_initial_sec"`
	// BackoffMaxSec caps reconnect delay growth (default 60).
	BackoffMaxSec int `yaml:"backoff_max_sec"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if cfg.Tool.Name == "" {
		return nil, fmt.Errorf("config %s: tool.name is required", path)
	}

	return &cfg, nil
}

// Default returns the built-in demo tool configuration, used when no
// config file is present. The demo tool echoes messages and can call
// the control plane's sqlite tool.
func Default() *Config {
	cfg := &Config{
		Tool: ToolConfig{
			Name:   "demo_tool_go",
			Readme: "Demo tool that echoes messages back and can call other tools on the server.\n- Use this to test the remote tool system and verify bidirectional communication.",
			Description: "Demo tool for testing remote tool registration and end-to-end communication. " +
				"Echoes back any message sent to it. Messages containing 'list databases' or " +
				"'list tables [in <database>]' additionally call the server's sqlite tool and " +
				"append that result, demonstrating tool-to-tool orchestration.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{
						"type":        "string",
						"description": "The message to echo back",
					},
				},
				"required": []any{"message"},
			},
			CallbackEndpoint: "go-client://demo-tool-callback",
			APIKey:           "go_demo_tool_auth_key_12345",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults replaces zero-value timing fields with their defaults.
func (c *Config) ApplyDefaults() {
	t := &c.Timing
	if t.RequestTimeoutSec <= 0 {
		t.RequestTimeoutSec = 10
	}
	if t.NestedCallTimeoutSec <= 0 {
		t.NestedCallTimeoutSec = 30
	}
	if t.DiscoveryTimeoutSec <= 0 {
		t.DiscoveryTimeoutSec = 5
	}
	if t.ShutdownGraceSec <= 0 {
		t.ShutdownGraceSec = 10
	}
	if t.BackoffInitialSec <= 0 {
		t.BackoffInitialSec = 2
	}
	if t.BackoffMaxSec <= 0 {
		t.BackoffMaxSec = 60
	}
}
