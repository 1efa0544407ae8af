// Package agent implements the agent adapter (§4.B): three variants —
// subprocess CLI, HTTP API, and nested MCP client — behind one
// capability set, plus the layered structured-JSON extraction and
// retry/fallback wrappers shared by all three.
package agent

import "context"

// ExecOptions configures a single Execute/ExecuteStructured call.
type ExecOptions struct {
	// Model overrides the configured default model for this call.
	Model string

	// SessionID starts a new named session (CLI/MCP variants).
	SessionID string

	// ResumeID continues an existing session (CLI/MCP variants).
	ResumeID string

	// TimeoutMs bounds the call; 0 means the agent's configured default.
	TimeoutMs int

	// MaxAttempts is executeWithRetry's attempt cap; 0 means default (5).
	MaxAttempts int

	// BaseDelayMs is executeWithRetry's initial backoff; 0 means default (5000).
	BaseDelayMs int

	// RetryOnRateLimit enables retrying a zero-exit result whose output
	// matches the rate-limit pattern.
	RetryOnRateLimit bool

	// FallbackModel, if set, is used for one more run after retries
	// exhaust with a rate-limit classification (executeWithFallback);
	// through ExecuteWithRetry that run gets its own retry cycle. When
	// empty, ExecuteWithRetry uses the agent's configured FallbackModel.
	FallbackModel string

	// Query, if set, is a jq filter applied to the parsed structured
	// output before it is returned, letting a caller project one field
	// out of a response envelope that varies by backend.
	Query string
}

// Result is the outcome of Execute/ExecuteWithRetry: raw text output
// plus the fields needed to detect session loss and rate limiting.
type Result struct {
	Text     string
	ExitCode int
	Stdout   string
	Stderr   string
}

// StructuredResult is the outcome of ExecuteStructured. Per §4.B, the
// parse step never raises from within executeWithRetry — a parse
// failure is reported here, not as an error return.
type StructuredResult struct {
	Result
	Parsed           any
	ParseError       string
	ExtractionMethod string
}

// Agent is the capability set common to all three variants.
type Agent interface {
	Execute(ctx context.Context, prompt string, opts ExecOptions) (Result, error)
	ExecuteStructured(ctx context.Context, prompt string, opts ExecOptions) (StructuredResult, error)
	ExecuteWithRetry(ctx context.Context, prompt string, opts ExecOptions) (Result, error)
	Kill() error
}
