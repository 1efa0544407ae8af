package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kilnrun/coder/internal/coderrors"
	"github.com/kilnrun/coder/internal/subproc"
)

// CLIConfig configures a CLIAgent.
type CLIConfig struct {
	// Name identifies this agent in logs and error messages.
	Name string

	// Command is the CLI binary to invoke (e.g. "claude").
	Command string

	// Dir is the working directory the subprocess runs in.
	Dir string

	// DefaultModel is used when ExecOptions.Model is empty.
	DefaultModel string

	// FallbackModel backs executeWithFallback when configured.
	FallbackModel string

	// TimeoutMs bounds a single call; 0 disables the overall timeout.
	TimeoutMs int

	// HangTimeoutMs bounds inactivity between output chunks.
	HangTimeoutMs int

	// AuthFailurePatterns are plain substrings that mark the session as
	// expired/rejected, surfaced as *coderrors.AuthFailureError.
	AuthFailurePatterns []string

	// ExtraArgs are added to every invocation (e.g. permission mode
	// flags), ahead of the model and session flags; the prompt itself
	// is fed through a heredoc, not a flag.
	ExtraArgs []string
}

// CLIAgent is the subprocess-CLI variant of §4.B: it feeds the prompt
// to an external coding-assistant binary through a heredoc with a
// randomized sentinel (so prompt text containing the literal word
// "EOF" can never truncate input early), passing model/session/resume
// as shell-escaped flags, and captures stdout for structured
// extraction.
//
// Grounded on the teacher's pkg/llm/providers/claudecode.Provider,
// generalized from a single hardcoded CLI (and its --output-format
// json envelope) to any CLI binary configured via CLIConfig, and
// rewired onto internal/subproc instead of exec.CommandContext
// directly so hang-timeout and kill-on-pattern detection are shared
// with every other subprocess in this codebase.
type CLIAgent struct {
	cfg CLIConfig
	pid int
}

// NewCLIAgent constructs a CLIAgent from cfg.
func NewCLIAgent(cfg CLIConfig) *CLIAgent {
	return &CLIAgent{cfg: cfg}
}

func (a *CLIAgent) Execute(ctx context.Context, prompt string, opts ExecOptions) (Result, error) {
	model := opts.Model
	if model == "" {
		model = a.cfg.DefaultModel
	}

	sentinel, err := randomSentinel()
	if err != nil {
		return Result{}, fmt.Errorf("generate heredoc sentinel: %w", err)
	}

	args := append([]string{}, a.cfg.ExtraArgs...)
	if model != "" {
		args = append(args, "--model", shellQuote(model))
	}
	if opts.SessionID != "" {
		args = append(args, "--session-id", shellQuote(opts.SessionID))
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", shellQuote(opts.ResumeID))
	}

	cmd := fmt.Sprintf("%s %s <<'%s'\n%s\n%s", a.cfg.Command, strings.Join(args, " "), sentinel, prompt, sentinel)

	timeoutMs := opts.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = a.cfg.TimeoutMs
	}

	res, err := subproc.Run(ctx, cmd, subproc.Options{
		Dir:                  a.cfg.Dir,
		TimeoutMs:            timeoutMs,
		HangTimeoutMs:        a.cfg.HangTimeoutMs,
		KillOnStderrPatterns: a.cfg.AuthFailurePatterns,
	})
	if res != nil {
		a.pid = res.Pid
	}
	if err != nil {
		return Result{}, a.classify(err, res)
	}

	out := Result{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Text:     res.Stdout,
	}
	if res.ExitCode != 0 {
		return out, &coderrors.AgentExitError{Agent: a.cfg.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return out, nil
}

func (a *CLIAgent) ExecuteStructured(ctx context.Context, prompt string, opts ExecOptions) (StructuredResult, error) {
	res, err := a.Execute(ctx, prompt, opts)
	if err != nil {
		return StructuredResult{Result: res}, err
	}
	parsed, method, parseErr := extractStructured(res.Text, opts.Query)
	return StructuredResult{Result: res, Parsed: parsed, ExtractionMethod: method, ParseError: parseErr}, nil
}

func (a *CLIAgent) ExecuteWithRetry(ctx context.Context, prompt string, opts ExecOptions) (Result, error) {
	if opts.FallbackModel == "" {
		opts.FallbackModel = a.cfg.FallbackModel
	}
	return executeWithFallback(ctx, opts, func(ctx context.Context, o ExecOptions) (Result, error) {
		o.RetryOnRateLimit = true
		return executeWithRetry(ctx, o, func(ctx context.Context) (Result, error) {
			return a.Execute(ctx, prompt, o)
		})
	})
}

func (a *CLIAgent) Kill() error {
	if a.pid == 0 {
		return nil
	}
	subproc.Kill(a.pid, 2*time.Second)
	return nil
}

// classify maps a subproc error onto the §7 error taxonomy using the
// agent's configured auth-failure patterns and the raw subproc result.
func (a *CLIAgent) classify(err error, res *subproc.Result) error {
	for _, pat := range a.cfg.AuthFailurePatterns {
		if res != nil && strings.Contains(res.Stderr, pat) {
			return &coderrors.AuthFailureError{Agent: a.cfg.Name, Pattern: pat, Stdout: res.Stdout, Stderr: res.Stderr}
		}
	}
	return err
}

func randomSentinel() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "CODER_EOF_" + hex.EncodeToString(b), nil
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quote, so flag values containing spaces or shell metacharacters
// can't break out of their argument position.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
