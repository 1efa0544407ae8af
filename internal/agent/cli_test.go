package agent

import (
	"context"
	"strings"
	"testing"
)

func TestCLIAgent_Execute_Basic(t *testing.T) {
	a := NewCLIAgent(CLIConfig{Name: "programmer", Command: "cat"})

	res, err := a.Execute(context.Background(), "hello world", ExecOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Stdout, "hello world") {
		t.Fatalf("stdout = %q, want it to contain the prompt", res.Stdout)
	}
}

func TestCLIAgent_Execute_AuthFailurePattern(t *testing.T) {
	a := NewCLIAgent(CLIConfig{
		Name:                "planner",
		Command:             "sh -c 'echo Conversation has expired >&2; exit 1'",
		AuthFailurePatterns: []string{"Conversation has expired"},
	})

	_, err := a.Execute(context.Background(), "resume please", ExecOptions{ResumeID: "sess-1"})
	if err == nil {
		t.Fatal("expected an auth failure error")
	}
}

func TestCLIAgent_ExecuteStructured_ExtractsJSON(t *testing.T) {
	a := NewCLIAgent(CLIConfig{Name: "reviewer", Command: "echo '{\"verdict\": \"approve\"}'"})

	res, err := a.ExecuteStructured(context.Background(), "review this", ExecOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := res.Parsed.(map[string]any)
	if !ok || m["verdict"] != "approve" {
		t.Fatalf("unexpected parsed value: %+v (parseError=%s)", res.Parsed, res.ParseError)
	}
}

func TestCLIAgent_Kill_NoopWithoutPid(t *testing.T) {
	a := NewCLIAgent(CLIConfig{Name: "idle"})
	if err := a.Kill(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestShellQuote_EscapesEmbeddedQuote(t *testing.T) {
	got := shellQuote(`it's a test`)
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
