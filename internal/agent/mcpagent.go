package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kilnrun/coder/internal/coderrors"
)

// MCPConfig configures an MCPAgent.
type MCPConfig struct {
	// Name identifies this agent in logs and error messages.
	Name string

	// ServerName is the unique identifier passed to the MCP client and
	// reported in error messages.
	ServerName string

	// Command and Args launch the externally-hosted MCP server.
	Command string
	Args    []string
	Env     []string

	// ToolName is the single tool this agent relays prompts to (the
	// server is expected to expose one agent-shaped tool, e.g. "run").
	ToolName string

	// DefaultModel is passed as a "model" tool argument when non-empty.
	DefaultModel string

	// FallbackModel backs executeWithFallback when configured.
	FallbackModel string

	// TimeoutMs bounds a single tool call; 0 uses the client's default.
	TimeoutMs int

	// AuthFailurePatterns mark the session as expired/rejected when
	// found in a tool error's text.
	AuthFailurePatterns []string
}

// MCPAgent is the nested-MCP variant of §4.B: the prompt is relayed
// through an MCP client to an externally-hosted MCP server's tool, and
// the tool result's text content is returned.
//
// Grounded on the teacher's internal/mcp.Client (NewClient/CallTool),
// generalized from a general-purpose tool-calling client used by the
// workflow engine's own tool steps into an agent-shaped adapter that
// always targets one configured tool per call.
type MCPAgent struct {
	cfg    MCPConfig
	client *client.Client
}

// NewMCPAgent starts the MCP server process and completes the
// protocol handshake.
func NewMCPAgent(ctx context.Context, cfg MCPConfig) (*MCPAgent, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, &coderrors.McpStartupError{Server: cfg.ServerName, Detail: "create client", Cause: err}
	}
	if err := c.Start(ctx); err != nil {
		return nil, &coderrors.McpStartupError{Server: cfg.ServerName, Detail: "start process", Cause: err}
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "coder", Version: "0.1.0"},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, &coderrors.McpStartupError{Server: cfg.ServerName, Detail: "initialize", Cause: err}
	}

	return &MCPAgent{cfg: cfg, client: c}, nil
}

func (a *MCPAgent) Execute(ctx context.Context, prompt string, opts ExecOptions) (Result, error) {
	timeoutMs := opts.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = a.cfg.TimeoutMs
	}
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	args := map[string]any{"prompt": prompt}
	model := opts.Model
	if model == "" {
		model = a.cfg.DefaultModel
	}
	if model != "" {
		args["model"] = model
	}
	if opts.SessionID != "" {
		args["session_id"] = opts.SessionID
	}
	if opts.ResumeID != "" {
		args["resume_id"] = opts.ResumeID
	}

	result, err := a.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: a.cfg.ToolName, Arguments: args},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &coderrors.TimeoutError{Operation: "mcp tool call", Duration: time.Duration(timeoutMs) * time.Millisecond, Cause: err}
		}
		return Result{}, fmt.Errorf("mcp tool call: %w", err)
	}

	var text string
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			text += tc.Text
		}
	}

	if result.IsError {
		for _, pat := range a.cfg.AuthFailurePatterns {
			if pat != "" && strings.Contains(text, pat) {
				return Result{Text: text}, &coderrors.AuthFailureError{Agent: a.cfg.Name, Pattern: pat, Stdout: text}
			}
		}
		return Result{Text: text}, &coderrors.AgentExitError{Agent: a.cfg.Name, ExitCode: 1, Stderr: text}
	}

	return Result{Text: text, Stdout: text}, nil
}

func (a *MCPAgent) ExecuteStructured(ctx context.Context, prompt string, opts ExecOptions) (StructuredResult, error) {
	res, err := a.Execute(ctx, prompt, opts)
	if err != nil {
		return StructuredResult{Result: res}, err
	}
	parsed, method, parseErr := extractStructured(res.Text, opts.Query)
	return StructuredResult{Result: res, Parsed: parsed, ExtractionMethod: method, ParseError: parseErr}, nil
}

func (a *MCPAgent) ExecuteWithRetry(ctx context.Context, prompt string, opts ExecOptions) (Result, error) {
	if opts.FallbackModel == "" {
		opts.FallbackModel = a.cfg.FallbackModel
	}
	return executeWithFallback(ctx, opts, func(ctx context.Context, o ExecOptions) (Result, error) {
		return executeWithRetry(ctx, o, func(ctx context.Context) (Result, error) {
			return a.Execute(ctx, prompt, o)
		})
	})
}

// Kill tears down the MCP server process.
func (a *MCPAgent) Kill() error {
	return a.client.Close()
}
