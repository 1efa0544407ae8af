// Package runner implements the workflow runner (§4.E): sequential
// execution of a fixed step list against the machine registry, wrapped
// in the §4.F lifecycle state machine, with heartbeats, shell-command
// hooks, and cooperative pause/cancel.
//
// Grounded on the teacher's pkg/workflow.Executor / StepResult shape
// (sequential step dispatch with a recorded outcome per step),
// internal/controller/runner.Runner's RunStatus / mutex-guarded Run /
// RunSnapshot pattern (a run's live state is mutated under a lock and
// read out as an immutable copy), and pkg/workflow.Hooks's in-process
// BeforeTransition/AfterTransition/OnError callback shape, generalized
// here onto shell commands (see hooks.go) since §4.E's hooks are data
// (YAML), not compiled-in closures.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnrun/coder/internal/machine"
	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/statemachine"
)

// Step is one entry in a workflow's fixed pipeline.
type Step struct {
	// Machine is the dotted name looked up in the machine registry.
	Machine string

	// InputMapper builds this step's input from the previous step's
	// result and the running StepContext. The first step receives a
	// synthetic prev whose Data is Runner.Run's initialInput.
	InputMapper func(prev machine.Result, sc StepContext) (map[string]any, error)

	// Optional steps that fail do not abort the workflow.
	Optional bool
}

// StepContext is what an InputMapper sees beyond the previous result.
type StepContext struct {
	Results []machine.Result
	RunID   string
}

// Status is a completed run's terminal outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RunResult is what Runner.Run returns.
type RunResult struct {
	Status     Status
	Results    []machine.Result
	RunID      string
	DurationMs int64
	Error      string
}

// CancelToken is a cooperative, checked-between-steps cancel/pause
// signal. The spec is explicit that cancellation is only observed
// between machine invocations, never mid-machine.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	paused    bool
}

func (t *CancelToken) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

func (t *CancelToken) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.paused = true
	}
}

func (t *CancelToken) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

func (t *CancelToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *CancelToken) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused && !t.cancelled
}

// MetricsCollector is the optional observability sink, mirroring the
// teacher's internal/controller/runner.MetricsCollector shape. A nil
// Runner.Metrics is a no-op.
type MetricsCollector interface {
	RecordRunStart(workflow string)
	RecordRunComplete(workflow string, status Status, durationMs int64)
	RecordStepComplete(workflow, machineName string, status machine.Status, durationMs int64)
}

// Runner executes a fixed step list, persisting lifecycle transitions
// through a statemachine.Machine and firing configured hooks around
// each machine invocation.
type Runner struct {
	Stores  *statemachine.Stores
	Hooks   *Hooks
	Logger  *slog.Logger
	Metrics MetricsCollector // optional

	// HeartbeatInterval is how often a HEARTBEAT transition is fired
	// while a step is running. Defaults to 2s.
	HeartbeatInterval time.Duration

	// PausePollInterval is how often a paused run checks for resume or
	// cancel. Defaults to 500ms.
	PausePollInterval time.Duration

	// PauseHardCap bounds how long a run may stay paused before it is
	// force-failed. Defaults to 24h.
	PauseHardCap time.Duration
}

func (r *Runner) heartbeatInterval() time.Duration {
	if r.HeartbeatInterval > 0 {
		return r.HeartbeatInterval
	}
	return 2 * time.Second
}

func (r *Runner) pausePollInterval() time.Duration {
	if r.PausePollInterval > 0 {
		return r.PausePollInterval
	}
	return 500 * time.Millisecond
}

func (r *Runner) pauseHardCap() time.Duration {
	if r.PauseHardCap > 0 {
		return r.PauseHardCap
	}
	return 24 * time.Hour
}

// Run executes steps in sequence against mctx, starting from
// initialInput. onCheckpoint, if non-nil, is invoked once after every
// step result so a caller can persist incremental progress; it is not
// invoked for the synthetic pre-step-0 state.
func (r *Runner) Run(
	ctx context.Context,
	workflow string,
	steps []Step,
	initialInput map[string]any,
	token *CancelToken,
	mctx *machine.Context,
	onCheckpoint func(i int, res machine.Result),
) RunResult {
	start := time.Now()
	runID := uuid.New().String()
	mctx.RunID = runID

	sm := statemachine.New(runID, workflow, r.Stores, r.Logger)
	if err := sm.Fire(ctx, statemachine.EventStart, nil); err != nil && r.Logger != nil {
		r.Logger.Warn("lifecycle start transition failed", slog.Any("error", err))
	}
	if r.Metrics != nil {
		r.Metrics.RecordRunStart(workflow)
	}

	stopHeartbeat := r.startHeartbeat(ctx, sm)
	defer stopHeartbeat()

	r.Hooks.Fire(ctx, "workflow_start", "", "", initialInput, runID)

	results := make([]machine.Result, 0, len(steps))
	prev := machine.Result{Status: machine.StatusOK, Data: initialInput}

	for i, step := range steps {
		if token != nil && token.IsCancelled() {
			return r.finish(ctx, sm, workflow, StatusCancelled, results, runID, start, "")
		}

		if token != nil {
			if cancelled := r.waitWhilePaused(ctx, token, sm); cancelled {
				return r.finish(ctx, sm, workflow, StatusCancelled, results, runID, start, "")
			}
		}

		input, err := step.InputMapper(prev, StepContext{Results: results, RunID: runID})
		if err != nil {
			errMsg := fmt.Sprintf("building input for step %d (%s): %v", i, step.Machine, err)
			if !step.Optional {
				r.Hooks.Fire(ctx, "workflow_failed", step.Machine, "error", errMsg, runID)
				return r.finish(ctx, sm, workflow, StatusFailed, results, runID, start, errMsg)
			}
			prev = machine.Result{Status: machine.StatusSkipped, Error: errMsg}
			results = append(results, prev)
			if onCheckpoint != nil {
				onCheckpoint(i, prev)
			}
			continue
		}

		r.Hooks.Fire(ctx, "machine_start", step.Machine, "", input, runID)
		_ = sm.Fire(ctx, statemachine.EventStage, func(c *model.LifecycleContext) {
			c.CurrentStage = step.Machine
		})

		m, ok := machine.Get(step.Machine)
		if !ok {
			errMsg := fmt.Sprintf("no machine registered for %q", step.Machine)
			res := machine.Result{Status: machine.StatusError, Error: errMsg}
			results = append(results, res)
			if onCheckpoint != nil {
				onCheckpoint(i, res)
			}
			r.Hooks.Fire(ctx, "machine_error", step.Machine, string(machine.StatusError), errMsg, runID)
			if !step.Optional {
				r.Hooks.Fire(ctx, "workflow_failed", step.Machine, "error", errMsg, runID)
				return r.finish(ctx, sm, workflow, StatusFailed, results, runID, start, errMsg)
			}
			prev = res
			continue
		}

		res := machine.Run(ctx, m, input, mctx)
		results = append(results, res)
		prev = res
		if onCheckpoint != nil {
			onCheckpoint(i, res)
		}
		if r.Metrics != nil {
			r.Metrics.RecordStepComplete(workflow, step.Machine, res.Status, res.DurationMs)
		}

		switch res.Status {
		case machine.StatusError:
			r.Hooks.Fire(ctx, "machine_error", step.Machine, string(res.Status), res.Error, runID)
			if !step.Optional {
				r.Hooks.Fire(ctx, "workflow_failed", step.Machine, "error", res.Error, runID)
				return r.finish(ctx, sm, workflow, StatusFailed, results, runID, start, res.Error)
			}
		default:
			r.Hooks.Fire(ctx, "machine_complete", step.Machine, string(res.Status), res.Data, runID)
		}
	}

	return r.finish(ctx, sm, workflow, StatusCompleted, results, runID, start, "")
}

func (r *Runner) finish(
	ctx context.Context,
	sm *statemachine.Machine,
	workflow string,
	status Status,
	results []machine.Result,
	runID string,
	start time.Time,
	errMsg string,
) RunResult {
	durationMs := time.Since(start).Milliseconds()

	switch status {
	case StatusCompleted:
		_ = sm.Fire(ctx, statemachine.EventComplete, nil)
		r.Hooks.Fire(ctx, "workflow_complete", "", "", results, runID)
	case StatusFailed:
		_ = sm.Fire(ctx, statemachine.EventFail, func(c *model.LifecycleContext) {
			c.Error = errMsg
		})
	case StatusCancelled:
		_ = sm.Fire(ctx, statemachine.EventCancelled, nil)
		r.Hooks.Fire(ctx, "workflow_cancelled", "", "", results, runID)
	}

	if r.Metrics != nil {
		r.Metrics.RecordRunComplete(workflow, status, durationMs)
	}

	return RunResult{
		Status:     status,
		Results:    results,
		RunID:      runID,
		DurationMs: durationMs,
		Error:      errMsg,
	}
}

// startHeartbeat fires a HEARTBEAT transition on HeartbeatInterval
// until the returned stop func is called.
func (r *Runner) startHeartbeat(ctx context.Context, sm *statemachine.Machine) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = sm.Fire(ctx, statemachine.EventHeartbeat, nil)
			}
		}
	}()
	return func() { close(done) }
}

// waitWhilePaused blocks while token reports paused, polling at
// PausePollInterval, up to PauseHardCap total. It returns true if the
// run should be treated as cancelled (either explicitly, or because
// the hard cap elapsed).
func (r *Runner) waitWhilePaused(ctx context.Context, token *CancelToken, sm *statemachine.Machine) bool {
	if !token.IsPaused() {
		return false
	}

	_ = sm.Fire(ctx, statemachine.EventPause, nil)
	deadline := time.Now().Add(r.pauseHardCap())
	ticker := time.NewTicker(r.pausePollInterval())
	defer ticker.Stop()

	for token.IsPaused() {
		if token.IsCancelled() {
			return true
		}
		if time.Now().After(deadline) {
			token.Cancel()
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
	}

	if token.IsCancelled() {
		return true
	}
	_ = sm.Fire(ctx, statemachine.EventResume, nil)
	return false
}
