// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %q", cfg.Log.Format)
	}
	if cfg.Log.AddSource {
		t.Errorf("expected log add_source false, got true")
	}

	if len(cfg.Workflow.AgentRoles) == 0 {
		t.Error("expected default agent roles to be populated")
	}
	if cfg.Workflow.WIP.MaxConcurrentIssues != 1 {
		t.Errorf("expected default maxConcurrentIssues 1, got %d", cfg.Workflow.WIP.MaxConcurrentIssues)
	}
	if cfg.Workflow.Scratchpad.Dir == "" {
		t.Error("expected default scratchpad dir to be set")
	}

	if cfg.Test.Command == "" {
		t.Error("expected default test command to be set")
	}
	if cfg.Ppcommit.Preset != "standard" {
		t.Errorf("expected default ppcommit preset 'standard', got %q", cfg.Ppcommit.Preset)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errText string
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
			errText: "log.level must be one of [debug, info, warn, warning, error]",
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "invalid"
			},
			wantErr: true,
			errText: "log.format must be one of [json, text]",
		},
		{
			name: "unknown agent role",
			modify: func(c *Config) {
				c.Workflow.AgentRoles = map[string]AgentRoleConfig{
					"not-a-role": {Variant: "cli", Command: "claude"},
				}
			},
			wantErr: true,
			errText: "unknown role",
		},
		{
			name: "unknown agent variant",
			modify: func(c *Config) {
				c.Workflow.AgentRoles = map[string]AgentRoleConfig{
					"programmer": {Variant: "carrier-pigeon"},
				}
			},
			wantErr: true,
			errText: "variant must be one of",
		},
		{
			name: "negative wip limit",
			modify: func(c *Config) {
				c.Workflow.WIP.MaxConcurrentIssues = -1
			},
			wantErr: true,
			errText: "maxConcurrentIssues must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if tt.wantErr && err != nil && !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("expected error to contain %q, got %q", tt.errText, err.Error())
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	oldEnv := saveEnv()
	defer restoreEnv(oldEnv)
	clearConfigEnv()

	envVars := map[string]string{
		"LOG_LEVEL":  "debug",
		"LOG_FORMAT": "text",
		"LOG_SOURCE": "1",
	}

	for k, v := range envVars {
		os.Setenv(k, v)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected log format 'text', got %q", cfg.Log.Format)
	}
	if !cfg.Log.AddSource {
		t.Errorf("expected log add_source true, got false")
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
log:
  level: warn
  format: text
  add_source: true

workflow:
  agentRoles:
    programmer:
      variant: cli
      command: ollama
  wip:
    maxConcurrentIssues: 3
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	oldEnv := saveEnv()
	defer restoreEnv(oldEnv)
	clearConfigEnv()

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level 'warn', got %q", cfg.Log.Level)
	}
	if cfg.Workflow.AgentRoles["programmer"].Command != "ollama" {
		t.Errorf("expected programmer command 'ollama', got %q", cfg.Workflow.AgentRoles["programmer"].Command)
	}
	if cfg.Workflow.WIP.MaxConcurrentIssues != 3 {
		t.Errorf("expected maxConcurrentIssues 3, got %d", cfg.Workflow.WIP.MaxConcurrentIssues)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
log:
  level: info
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	oldEnv := saveEnv()
	defer restoreEnv(oldEnv)
	clearConfigEnv()

	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug' from env, got %q", cfg.Log.Level)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Errorf("expected error for nonexistent file, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Errorf("expected error for invalid YAML, got nil")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid-config.yaml")

	yamlContent := `
log:
  level: not-a-level
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	oldEnv := saveEnv()
	defer restoreEnv(oldEnv)
	clearConfigEnv()

	_, err := Load(configPath)
	if err == nil {
		t.Errorf("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("expected validation error message, got %q", err.Error())
	}
}

// Helper functions for environment management
func saveEnv() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return env
}

func restoreEnv(env map[string]string) {
	os.Clearenv()
	for k, v := range env {
		os.Setenv(k, v)
	}
}

func clearConfigEnv() {
	envVars := []string{
		"LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// TestMinimalConfigRoundTrip verifies that a minimal config naming
// only a CLI command can be written and loaded back with sensible
// defaults filled in.
func TestMinimalConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	oldEnv := saveEnv()
	defer restoreEnv(oldEnv)
	clearConfigEnv()

	if err := WriteConfigMinimal("claude", configPath); err != nil {
		t.Fatalf("failed to write minimal config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load minimal config: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Test.Command == "" {
		t.Error("expected default test command to be filled in")
	}

	if len(cfg.Workflow.AgentRoles) == 0 {
		t.Fatal("expected agent roles to be populated")
	}
	for role, rc := range cfg.Workflow.AgentRoles {
		if rc.Command != "claude" {
			t.Errorf("expected agent role %q command 'claude', got %q", role, rc.Command)
		}
	}
}
