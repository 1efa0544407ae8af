// Package agentpool implements the agent pool (§4.C): a keyed cache of
// lazily-constructed agents, one per {role, scope} pair, resolved to a
// concrete backend via configuration.
//
// Grounded on the teacher's pkg/llm.Registry two-phase
// factory-then-activate pattern (RegisterFactory/Activate, guarded by
// a RWMutex, idempotent re-activation), generalized from "one
// provider per backend name, process-wide" to "one agent per role
// scoped to a workspace or repo".
package agentpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilnrun/coder/internal/agent"
)

// Role identifies which part of the pipeline an agent serves.
type Role string

const (
	RoleIssueSelector Role = "issueSelector"
	RolePlanner       Role = "planner"
	RolePlanReviewer  Role = "planReviewer"
	RoleProgrammer    Role = "programmer"
	RoleReviewer      Role = "reviewer"
	RoleCommitter     Role = "committer"
)

// Scope controls whether the agent's working directory follows the
// repo root (repo-scoped) or stays fixed at the workspace root
// (workspace-scoped).
type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeRepo      Scope = "repo"
)

// GetOptions parameterizes GetAgent beyond role.
type GetOptions struct {
	Scope Scope
	Mode  string // optional backend submode, e.g. a CLI permission mode
}

// Variant names a backend kind.
type Variant string

const (
	VariantCLI Variant = "cli"
	VariantAPI Variant = "api"
	VariantMCP Variant = "mcp"
)

// Backend is what a Resolver returns for a role: which variant to
// build and that variant's configuration. Exactly one of CLI/API/MCP
// should be populated, matching Variant.
type Backend struct {
	Name    string // agentName reported back to the caller
	Variant Variant
	CLI     *agent.CLIConfig
	API     *agent.APIConfig
	MCP     *agent.MCPConfig
}

// Resolver maps a role to a concrete backend, typically backed by
// config.yaml's agent-role table.
type Resolver interface {
	Resolve(role Role) (Backend, error)
}

type cacheKey struct {
	role  Role
	scope Scope
}

type entry struct {
	agentName string
	agent     agent.Agent
}

// Pool is the agent pool described in §4.C. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	resolver Resolver
	cache    map[cacheKey]entry
	repoRoot string
}

// New creates an empty Pool backed by resolver.
func New(resolver Resolver) *Pool {
	return &Pool{resolver: resolver, cache: make(map[cacheKey]entry)}
}

// GetAgent returns the cached agent for (role, opts.Scope), lazily
// constructing it on first use.
func (p *Pool) GetAgent(ctx context.Context, role Role, opts GetOptions) (string, agent.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := cacheKey{role: role, scope: opts.Scope}
	if e, ok := p.cache[key]; ok {
		return e.agentName, e.agent, nil
	}

	backend, err := p.resolver.Resolve(role)
	if err != nil {
		return "", nil, fmt.Errorf("resolve backend for role %s: %w", role, err)
	}

	a, err := p.construct(ctx, backend, opts)
	if err != nil {
		return "", nil, fmt.Errorf("construct agent %s for role %s: %w", backend.Name, role, err)
	}

	p.cache[key] = entry{agentName: backend.Name, agent: a}
	return backend.Name, a, nil
}

func (p *Pool) construct(ctx context.Context, backend Backend, opts GetOptions) (agent.Agent, error) {
	switch backend.Variant {
	case VariantCLI:
		cfg := *backend.CLI
		if opts.Scope == ScopeRepo && p.repoRoot != "" {
			cfg.Dir = p.repoRoot
		}
		return agent.NewCLIAgent(cfg), nil
	case VariantAPI:
		cfg := *backend.API
		if cfg.AWS != nil {
			return agent.NewAPIAgentWithAWS(ctx, cfg)
		}
		return agent.NewAPIAgent(cfg), nil
	case VariantMCP:
		return agent.NewMCPAgent(ctx, *backend.MCP)
	default:
		return nil, fmt.Errorf("unknown backend variant %q", backend.Variant)
	}
}

// SetRepoRoot reconfigures repo-scoped agents' working directory. If
// path is unchanged from the current root, this is a no-op that
// preserves the cache; otherwise every repo-scoped cache entry is
// evicted so the next GetAgent call rebuilds it against the new root.
func (p *Pool) SetRepoRoot(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if path == p.repoRoot {
		return
	}
	p.repoRoot = path
	for key := range p.cache {
		if key.scope == ScopeRepo {
			delete(p.cache, key)
		}
	}
}

// KillAll terminates every cached agent's subprocess or HTTP abort
// signal. Idempotent: safe to call after a prior KillAll, and a single
// agent's Kill failure does not stop the rest from being attempted.
func (p *Pool) KillAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, e := range p.cache {
		if err := e.agent.Kill(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
