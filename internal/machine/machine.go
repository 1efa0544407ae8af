// Package machine implements the machine registry and base (§4.D): a
// uniform contract for pipeline steps, a process-wide registry keyed
// by dotted name, and a base `run` wrapper providing input validation,
// duration recording, and panic-to-error containment.
//
// Grounded on the teacher's pkg/workflow.Executor / StepResult shape
// (pkg/workflow/executor.go): StepStatus/StepResult there map onto
// Status/Result here, generalized from "one step executor dispatching
// on a step Type enum" to "one registry of named, independently
// testable machines" — this codebase has no step-type polymorphism,
// every pipeline step IS a machine.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/redact"
)

// errorTailChars bounds how much of a failure message (already
// redacted) survives into a Result, per §7's "trimmed tail of process
// output (max 1200 chars)".
const errorTailChars = 1200

// Status is a machine's outcome discriminator.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Result is what every machine returns.
type Result struct {
	Status     Status
	Data       any
	Error      string
	DurationMs int64
}

// FieldType is a hand-rolled structural type tag for InputSchema,
// deliberately not backed by a JSON Schema library: §4.D's validation
// need is shallow (required keys, primitive kinds) and the teacher's
// own workflow/schema package is a bespoke structural validator for
// the same reason (see DESIGN.md).
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeAny    FieldType = "any"
)

// InputSchema describes a machine's expected input shape.
type InputSchema struct {
	Required   []string
	Properties map[string]FieldType
}

// Context is assembled once per run (§3 RunnerContext) and passed by
// reference into every machine invocation.
type Context struct {
	RunID         string
	WorkspacePath string
	RepoRoot      string
	ScratchDir    string
	ArtifactsDir  string
	PerIssueState *model.PerIssueState
	Secrets       map[string]string
}

// Machine is the uniform contract every pipeline step implements.
type Machine interface {
	Name() string
	Description() string
	InputSchema() InputSchema
	Execute(ctx context.Context, input map[string]any, mctx *Context) Result
}

var (
	mu       sync.RWMutex
	registry = map[string]Machine{}
)

// Register adds m to the global table keyed by its dotted Name().
// Re-registering the same name overwrites the previous entry
// (idempotent, matching the teacher's provider-factory registration).
func Register(m Machine) {
	mu.Lock()
	defer mu.Unlock()
	registry[m.Name()] = m
}

// Get looks up a machine by dotted name.
func Get(name string) (Machine, bool) {
	mu.RLock()
	defer mu.RUnlock()
	m, ok := registry[name]
	return m, ok
}

// Names returns every registered machine's dotted name.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// Run is the base wrapper §4.D describes: validate input against the
// schema, record wall-clock duration, and turn a panic into
// {status:"error"}. Idempotent re-execution (reading
// ctx.PerIssueState.Steps to short-circuit) is each machine's own
// responsibility — the flags are per-machine-defined booleans the
// base wrapper has no schema for.
func Run(ctx context.Context, m Machine, input map[string]any, mctx *Context) Result {
	start := time.Now()

	if err := validate(m.InputSchema(), input); err != nil {
		return Result{Status: StatusError, Error: redact.Tail(err.Error(), errorTailChars), DurationMs: time.Since(start).Milliseconds()}
	}

	result := safeExecute(ctx, m, input, mctx)
	result.DurationMs = time.Since(start).Milliseconds()
	if result.Status == StatusError {
		result.Error = redact.Tail(result.Error, errorTailChars)
	}
	return result
}

func safeExecute(ctx context.Context, m Machine, input map[string]any, mctx *Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Status: StatusError, Error: fmt.Sprintf("%s panicked: %v", m.Name(), r)}
		}
	}()
	return m.Execute(ctx, input, mctx)
}

func validate(schema InputSchema, input map[string]any) error {
	for _, key := range schema.Required {
		if _, ok := input[key]; !ok {
			return fmt.Errorf("missing required input %q", key)
		}
	}
	for key, want := range schema.Properties {
		v, ok := input[key]
		if !ok || want == TypeAny {
			continue
		}
		if !matchesType(v, want) {
			return fmt.Errorf("input %q: expected %s, got %T", key, want, v)
		}
	}
	return nil
}

func matchesType(v any, want FieldType) bool {
	switch want {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
