package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kilnrun/coder/internal/coderrors"
)

// APIConfig configures an APIAgent.
type APIConfig struct {
	// Name identifies this agent in logs and error messages.
	Name string

	// Endpoint is the completion endpoint URL.
	Endpoint string

	// APIKey is sent as a bearer token; resolved by internal/secrets
	// before this config is built, never read from the environment
	// here.
	APIKey string

	// DefaultModel is used when ExecOptions.Model is empty.
	DefaultModel string

	// FallbackModel backs executeWithFallback when configured.
	FallbackModel string

	// TimeoutMs bounds a single call; 0 leaves the call bounded only by
	// the caller's context and the HTTP client's own timeout, if any.
	TimeoutMs int

	// RequestsPerSecond throttles outbound calls; 0 disables throttling.
	RequestsPerSecond float64

	// Burst is the token bucket's burst size when throttling is on.
	Burst int

	// Client is the HTTP client used to send requests; if nil,
	// http.DefaultClient is used.
	Client *http.Client

	// AWS, if non-nil, signs every request with SigV4 using credentials
	// from the default AWS provider chain instead of sending APIKey as
	// a bearer token — for endpoints fronted by an AWS-hosted model
	// service.
	AWS *AWSEndpointConfig
}

// NewAPIAgentWithAWS is NewAPIAgent plus SigV4 request signing: it
// loads and validates AWS credentials before returning, so a
// misconfigured agent fails at pool-construction time rather than on
// the first call.
func NewAPIAgentWithAWS(ctx context.Context, cfg APIConfig) (*APIAgent, error) {
	if cfg.AWS == nil {
		return NewAPIAgent(cfg), nil
	}
	transport, err := newAWSSigningTransport(ctx, *cfg.AWS, http.DefaultTransport)
	if err != nil {
		return nil, err
	}
	cfg.Client = &http.Client{Transport: transport}
	cfg.APIKey = ""
	return NewAPIAgent(cfg), nil
}

// apiRequest is the provider-agnostic JSON envelope posted to Endpoint.
type apiRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Session string `json:"session_id,omitempty"`
	Resume  string `json:"resume_id,omitempty"`
}

// apiResponse is the envelope expected back on a 2xx status. A non-2xx
// status is not decoded: it becomes an AgentExitError carrying the raw
// body, and Error is not read.
type apiResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// APIAgent is the HTTP-API variant of §4.B: the prompt is serialized
// into a provider-specific JSON body and POSTed with the call's
// deadline carried as a context cancel signal, never a client-level
// timeout override, so executeWithRetry's own attempt loop controls
// per-attempt cancellation.
//
// Grounded on the teacher's pkg/httpclient client/transport layering
// (TLS floor, connection pooling, retry transport) for the client
// construction shape, generalized here to a single round trip per
// call since retry is handled one layer up by executeWithRetry rather
// than by a wrapping http.RoundTripper.
type APIAgent struct {
	cfg     APIConfig
	limiter *rate.Limiter
}

// NewAPIAgent constructs an APIAgent from cfg.
func NewAPIAgent(cfg APIConfig) *APIAgent {
	a := &APIAgent{cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return a
}

func (a *APIAgent) Execute(ctx context.Context, prompt string, opts ExecOptions) (Result, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	model := opts.Model
	if model == "" {
		model = a.cfg.DefaultModel
	}

	timeoutMs := opts.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = a.cfg.TimeoutMs
	}
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	body, err := json.Marshal(apiRequest{Model: model, Prompt: prompt, Session: opts.SessionID, Resume: opts.ResumeID})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	client := a.cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &coderrors.TimeoutError{Operation: "api call", Duration: time.Duration(timeoutMs) * time.Millisecond, Cause: err}
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{}, &coderrors.AuthFailureError{Agent: a.cfg.Name, Pattern: resp.Status, Stdout: string(raw)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, &coderrors.RateLimitedError{Agent: a.cfg.Name, Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &coderrors.AgentExitError{Agent: a.cfg.Name, ExitCode: resp.StatusCode, Stderr: string(raw)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Text: string(raw), Stdout: string(raw)}, nil
	}
	return Result{Text: parsed.Text, Stdout: string(raw)}, nil
}

func (a *APIAgent) ExecuteStructured(ctx context.Context, prompt string, opts ExecOptions) (StructuredResult, error) {
	res, err := a.Execute(ctx, prompt, opts)
	if err != nil {
		return StructuredResult{Result: res}, err
	}
	parsed, method, parseErr := extractStructured(res.Text, opts.Query)
	return StructuredResult{Result: res, Parsed: parsed, ExtractionMethod: method, ParseError: parseErr}, nil
}

func (a *APIAgent) ExecuteWithRetry(ctx context.Context, prompt string, opts ExecOptions) (Result, error) {
	if opts.FallbackModel == "" {
		opts.FallbackModel = a.cfg.FallbackModel
	}
	return executeWithFallback(ctx, opts, func(ctx context.Context, o ExecOptions) (Result, error) {
		return executeWithRetry(ctx, o, func(ctx context.Context) (Result, error) {
			return a.Execute(ctx, prompt, o)
		})
	})
}

// Kill cancels no in-flight request directly (the caller's ctx owns
// that); it exists to satisfy the Agent capability set uniformly.
func (a *APIAgent) Kill() error { return nil }
