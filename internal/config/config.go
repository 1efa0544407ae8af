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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnrun/coder/internal/agentpool"
	cfgerrors "github.com/kilnrun/coder/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete coder configuration.
type Config struct {
	// Version indicates the config format version (1 = initial public release)
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	Log LogConfig `yaml:"log"`

	// Workflow configures the develop-loop pipeline: agent role
	// assignments, timeouts, WIP limits, and the scratchpad layout.
	Workflow WorkflowSettings `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// Test configures the hard test gate run before a commit.
	Test TestConfig `yaml:"test,omitempty" json:"test,omitempty"`

	// Ppcommit configures the pre-commit hygiene checker driving the
	// quality-review gate.
	Ppcommit PpcommitSettings `yaml:"ppcommit,omitempty" json:"ppcommit,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Workflow: DefaultWorkflowSettings(),
		Test:     DefaultTestConfig(),
		Ppcommit: PpcommitSettings{
			Preset:                "standard",
			TreatWarningsAsErrors: false,
		},
	}
}

// Load loads configuration from environment variables and optionally from a YAML file.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, the default config file (ConfigPath) is read
// when it exists; otherwise only defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// If no config path provided, try the default config file
	if configPath == "" {
		defaultPath, err := ConfigPath()
		if err == nil {
			// Check if default config exists
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	// Load from file if path provided or found
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &cfgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Override with environment variables
	cfg.loadFromEnv()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, &cfgerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults.
// This allows minimal configs (e.g., just agent roles) to work without
// specifying all fields explicitly.
func (c *Config) applyDefaults() {
	defaults := Default()

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	// Workflow defaults
	if len(c.Workflow.AgentRoles) == 0 {
		c.Workflow.AgentRoles = defaults.Workflow.AgentRoles
	}
	if c.Workflow.Timeouts.StepMs == 0 {
		c.Workflow.Timeouts.StepMs = defaults.Workflow.Timeouts.StepMs
	}
	if c.Workflow.Timeouts.ReviewRoundMs == 0 {
		c.Workflow.Timeouts.ReviewRoundMs = defaults.Workflow.Timeouts.ReviewRoundMs
	}
	if c.Workflow.Timeouts.ProgrammerFixMs == 0 {
		c.Workflow.Timeouts.ProgrammerFixMs = defaults.Workflow.Timeouts.ProgrammerFixMs
	}
	if c.Workflow.Timeouts.TestMs == 0 {
		c.Workflow.Timeouts.TestMs = defaults.Workflow.Timeouts.TestMs
	}
	if c.Workflow.WIP.MaxConcurrentIssues == 0 {
		c.Workflow.WIP.MaxConcurrentIssues = defaults.Workflow.WIP.MaxConcurrentIssues
	}
	if c.Workflow.Scratchpad.Dir == "" {
		c.Workflow.Scratchpad.Dir = defaults.Workflow.Scratchpad.Dir
	}

	// Test gate defaults
	if c.Test.Command == "" {
		c.Test.Command = defaults.Test.Command
	}
	if c.Test.TimeoutMs == 0 {
		c.Test.TimeoutMs = defaults.Test.TimeoutMs
	}

	// Ppcommit defaults
	if c.Ppcommit.Preset == "" {
		c.Ppcommit.Preset = defaults.Ppcommit.Preset
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	// Log configuration
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// Validate log configuration
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	// Validate workflow agent roles
	validRoles := map[string]bool{
		string(agentpool.RoleIssueSelector): true,
		string(agentpool.RolePlanner):       true,
		string(agentpool.RolePlanReviewer):  true,
		string(agentpool.RoleProgrammer):    true,
		string(agentpool.RoleReviewer):      true,
		string(agentpool.RoleCommitter):     true,
	}
	validVariants := map[string]bool{"": true, "cli": true, "api": true, "mcp": true}
	for roleName, rc := range c.Workflow.AgentRoles {
		if !validRoles[roleName] {
			errs = append(errs, fmt.Sprintf("workflow.agentRoles[%q]: unknown role, must be one of [issueSelector, planner, planReviewer, programmer, reviewer, committer]", roleName))
		}
		if !validVariants[rc.Variant] {
			errs = append(errs, fmt.Sprintf("workflow.agentRoles[%q].variant must be one of [cli, api, mcp], got %q", roleName, rc.Variant))
		}
	}
	if c.Workflow.WIP.MaxConcurrentIssues < 0 {
		errs = append(errs, "workflow.wip.maxConcurrentIssues must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
