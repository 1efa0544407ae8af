package agent

import (
	"context"
	"testing"
	"time"

	"github.com/kilnrun/coder/internal/coderrors"
)

func TestExecuteWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	opts := ExecOptions{MaxAttempts: 3, BaseDelayMs: 1}

	res, err := executeWithRetry(context.Background(), opts, func(ctx context.Context) (Result, error) {
		attempts++
		if attempts < 2 {
			return Result{}, &coderrors.AgentExitError{ExitCode: 1}
		}
		return Result{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("got %+v", res)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestExecuteWithRetry_TerminalErrorStopsImmediately(t *testing.T) {
	attempts := 0
	opts := ExecOptions{MaxAttempts: 5, BaseDelayMs: 1}

	_, err := executeWithRetry(context.Background(), opts, func(ctx context.Context) (Result, error) {
		attempts++
		return Result{}, &coderrors.TimeoutError{Operation: "x", Duration: time.Second}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (terminal error must not be retried)", attempts)
	}
}

func TestExecuteWithRetry_RateLimitDetectedFromOutput(t *testing.T) {
	attempts := 0
	opts := ExecOptions{MaxAttempts: 2, BaseDelayMs: 1, RetryOnRateLimit: true}

	_, err := executeWithRetry(context.Background(), opts, func(ctx context.Context) (Result, error) {
		attempts++
		return Result{ExitCode: 0, Stdout: "error: 429 Too Many Requests"}, nil
	})
	if err == nil {
		t.Fatal("expected rate-limit error after attempts exhausted")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestExecuteWithFallback_SwitchesModelOnRateLimit(t *testing.T) {
	var modelsUsed []string
	opts := ExecOptions{MaxAttempts: 1, BaseDelayMs: 1, FallbackModel: "fallback-model", RetryOnRateLimit: true}

	_, err := executeWithFallback(context.Background(), opts, func(ctx context.Context, o ExecOptions) (Result, error) {
		return executeWithRetry(ctx, o, func(ctx context.Context) (Result, error) {
			modelsUsed = append(modelsUsed, o.Model)
			if o.Model == "fallback-model" {
				return Result{Text: "ok"}, nil
			}
			return Result{Stdout: "rate limit exceeded"}, nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(modelsUsed) != 2 || modelsUsed[1] != "fallback-model" {
		t.Fatalf("models used: %+v", modelsUsed)
	}
}
