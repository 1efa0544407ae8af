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
	"context"
	"fmt"

	"github.com/kilnrun/coder/internal/agent"
	"github.com/kilnrun/coder/internal/agentpool"
	"github.com/kilnrun/coder/internal/reviewloop"
	"github.com/kilnrun/coder/internal/secrets"
)

// WorkflowSettings configures the develop-loop pipeline: agent role
// assignments, timeouts, the WIP limit, and the scratchpad layout. The
// project test command and the quality-review gate live in Config.Test
// and Config.Ppcommit. Mirrors
// spec.md §6's workflow.* configuration keys.
type WorkflowSettings struct {
	// AgentRoles maps an agentpool.Role name (e.g. "programmer",
	// "reviewer") to the backend that serves it.
	AgentRoles map[string]AgentRoleConfig `yaml:"agentRoles,omitempty" json:"agentRoles,omitempty"`

	Timeouts   TimeoutsConfig   `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	WIP        WIPConfig        `yaml:"wip,omitempty" json:"wip,omitempty"`
	Scratchpad ScratchpadConfig `yaml:"scratchpad,omitempty" json:"scratchpad,omitempty"`
}

// AgentRoleConfig describes how to build the agentpool.Backend for one
// role. Exactly one of the variant-specific field groups is read,
// chosen by Variant.
type AgentRoleConfig struct {
	// Variant selects which agentpool.Backend shape to build: "cli",
	// "api", or "mcp".
	Variant string `yaml:"variant" json:"variant"`

	// Command is the CLI binary (variant "cli") or the MCP server
	// launcher (variant "mcp").
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are appended to Command for variant "mcp".
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env are extra environment variables passed to an MCP server
	// subprocess, "KEY=VALUE" form.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`

	// ToolName is the MCP tool this role relays prompts to (variant
	// "mcp" only).
	ToolName string `yaml:"toolName,omitempty" json:"toolName,omitempty"`

	// Model and FallbackModel name the model tier or provider-specific
	// model string used for this role.
	Model         string `yaml:"model,omitempty" json:"model,omitempty"`
	FallbackModel string `yaml:"fallbackModel,omitempty" json:"fallbackModel,omitempty"`

	// ExtraArgs are appended to every CLI invocation for this role
	// (variant "cli" only), e.g. permission-mode flags.
	ExtraArgs []string `yaml:"extraArgs,omitempty" json:"extraArgs,omitempty"`

	// AuthFailurePatterns mark a session as expired/rejected when
	// found in the agent's output (variant "cli" and "mcp").
	AuthFailurePatterns []string `yaml:"authFailurePatterns,omitempty" json:"authFailurePatterns,omitempty"`

	// Endpoint is the completion endpoint URL (variant "api" only).
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// APIKeyRef is a secret key (e.g. "providers/anthropic/api_key", which
	// the env backend also finds as ANTHROPIC_API_KEY), passed unchanged to
	// the internal/secrets resolver at backend-construction time
	// (variant "api" only). Never store a plaintext key here.
	APIKeyRef string `yaml:"apiKeyRef,omitempty" json:"apiKeyRef,omitempty"`

	// TimeoutMs bounds a single call for this role; 0 uses the
	// backend's own default.
	TimeoutMs int `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// TimeoutsConfig bounds individual pipeline stages. A zero value
// leaves the stage's own built-in default in effect.
type TimeoutsConfig struct {
	StepMs          int `yaml:"stepMs,omitempty" json:"stepMs,omitempty"`
	ReviewRoundMs   int `yaml:"reviewRoundMs,omitempty" json:"reviewRoundMs,omitempty"`
	ProgrammerFixMs int `yaml:"programmerFixMs,omitempty" json:"programmerFixMs,omitempty"`
	TestMs          int `yaml:"testMs,omitempty" json:"testMs,omitempty"`
}

// WIPConfig bounds how many issues the develop loop advances at once.
type WIPConfig struct {
	MaxConcurrentIssues int `yaml:"maxConcurrentIssues,omitempty" json:"maxConcurrentIssues,omitempty"`
}

// ScratchpadConfig locates the per-issue working-notes directory the
// develop loop reads and writes between pipeline stages.
type ScratchpadConfig struct {
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// TestConfig configures the hard test gate run before a commit,
// spec.md §6's test.* keys.
type TestConfig struct {
	Command   string `yaml:"command,omitempty" json:"command,omitempty"`
	TimeoutMs int    `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// PpcommitSettings configures the pre-commit hygiene checker,
// spec.md §6's ppcommit.* keys.
type PpcommitSettings struct {
	Preset                string   `yaml:"preset,omitempty" json:"preset,omitempty"`
	EnableLLM             bool     `yaml:"enableLLM,omitempty" json:"enableLLM,omitempty"`
	LLMModelRef           string   `yaml:"llmModelRef,omitempty" json:"llmModelRef,omitempty"`
	TreatWarningsAsErrors bool     `yaml:"treatWarningsAsErrors,omitempty" json:"treatWarningsAsErrors,omitempty"`
	ExcludeGlobs          []string `yaml:"excludeGlobs,omitempty" json:"excludeGlobs,omitempty"`
	GateExpression        string   `yaml:"gateExpression,omitempty" json:"gateExpression,omitempty"`
}

// ToReviewloop converts the YAML-facing settings into the plain struct
// internal/reviewloop consumes.
func (p PpcommitSettings) ToReviewloop() reviewloop.PpcommitConfig {
	return reviewloop.PpcommitConfig{
		Preset:                p.Preset,
		EnableLLM:             p.EnableLLM,
		LLMModelRef:           p.LLMModelRef,
		TreatWarningsAsErrors: p.TreatWarningsAsErrors,
		ExcludeGlobs:          p.ExcludeGlobs,
		GateExpression:        p.GateExpression,
	}
}

// DefaultWorkflowSettings returns the workflow configuration applied
// when config.yaml has no workflow section at all.
func DefaultWorkflowSettings() WorkflowSettings {
	return WorkflowSettings{
		AgentRoles: map[string]AgentRoleConfig{
			string(agentpool.RoleProgrammer): {
				Variant: "cli",
				Command: "claude",
			},
			string(agentpool.RoleReviewer): {
				Variant: "cli",
				Command: "claude",
			},
		},
		Timeouts: TimeoutsConfig{
			StepMs:          30 * 60 * 1000,
			ReviewRoundMs:   10 * 60 * 1000,
			ProgrammerFixMs: 15 * 60 * 1000,
			TestMs:          10 * 60 * 1000,
		},
		WIP: WIPConfig{
			MaxConcurrentIssues: 1,
		},
		Scratchpad: ScratchpadConfig{
			Dir: ".coder/scratchpad",
		},
	}
}

// DefaultTestConfig returns the test-gate configuration applied when
// config.yaml has no test section.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Command:   "go test ./...",
		TimeoutMs: 10 * 60 * 1000,
	}
}

// roleResolver is an agentpool.Resolver backed by a fixed map of
// pre-built backends, one per role.
type roleResolver struct {
	backends map[agentpool.Role]agentpool.Backend
}

// Resolve implements agentpool.Resolver.
func (r roleResolver) Resolve(role agentpool.Role) (agentpool.Backend, error) {
	b, ok := r.backends[role]
	if !ok {
		return agentpool.Backend{}, fmt.Errorf("no agent role configuration for %q", role)
	}
	return b, nil
}

// BuildResolver turns the declarative WorkflowSettings.AgentRoles table
// into an agentpool.Resolver, resolving each role's APIKeyRef (if any)
// through secretResolver so that plaintext keys never need to live in
// config.yaml.
//
// Grounded on the teacher's pkg/llm wiring, where a provider registry
// is built once from config at startup and handed to the engine;
// generalized here from "one registry of named providers" to "one
// backend per pipeline role".
func BuildResolver(ctx context.Context, ws WorkflowSettings, secretResolver *secrets.Resolver) (agentpool.Resolver, error) {
	backends := make(map[agentpool.Role]agentpool.Backend, len(ws.AgentRoles))
	for roleName, rc := range ws.AgentRoles {
		role := agentpool.Role(roleName)
		backend, err := buildBackend(ctx, roleName, rc, secretResolver)
		if err != nil {
			return nil, fmt.Errorf("agent role %q: %w", roleName, err)
		}
		backends[role] = backend
	}
	return roleResolver{backends: backends}, nil
}

func buildBackend(ctx context.Context, roleName string, rc AgentRoleConfig, secretResolver *secrets.Resolver) (agentpool.Backend, error) {
	switch rc.Variant {
	case "", "cli":
		return agentpool.Backend{
			Name:    roleName,
			Variant: agentpool.VariantCLI,
			CLI: &agent.CLIConfig{
				Name:                roleName,
				Command:             rc.Command,
				DefaultModel:        rc.Model,
				FallbackModel:       rc.FallbackModel,
				TimeoutMs:           rc.TimeoutMs,
				AuthFailurePatterns: rc.AuthFailurePatterns,
				ExtraArgs:           rc.ExtraArgs,
			},
		}, nil

	case "api":
		apiKey := ""
		if rc.APIKeyRef != "" {
			resolved, err := secretResolver.Get(ctx, rc.APIKeyRef)
			if err != nil {
				return agentpool.Backend{}, fmt.Errorf("resolve apiKeyRef: %w", err)
			}
			apiKey = resolved
		}
		return agentpool.Backend{
			Name:    roleName,
			Variant: agentpool.VariantAPI,
			API: &agent.APIConfig{
				Name:          roleName,
				Endpoint:      rc.Endpoint,
				APIKey:        apiKey,
				DefaultModel:  rc.Model,
				FallbackModel: rc.FallbackModel,
				TimeoutMs:     rc.TimeoutMs,
			},
		}, nil

	case "mcp":
		return agentpool.Backend{
			Name:    roleName,
			Variant: agentpool.VariantMCP,
			MCP: &agent.MCPConfig{
				Name:                roleName,
				ServerName:          roleName,
				Command:             rc.Command,
				Args:                rc.Args,
				Env:                 rc.Env,
				ToolName:            rc.ToolName,
				DefaultModel:        rc.Model,
				FallbackModel:       rc.FallbackModel,
				TimeoutMs:           rc.TimeoutMs,
				AuthFailurePatterns: rc.AuthFailurePatterns,
			},
		}, nil

	default:
		return agentpool.Backend{}, fmt.Errorf("unknown agent variant %q", rc.Variant)
	}
}
