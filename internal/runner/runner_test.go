package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilnrun/coder/internal/machine"
	"github.com/kilnrun/coder/internal/statemachine"
	"github.com/kilnrun/coder/internal/store"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	stores := &statemachine.Stores{JSON: store.New(t.TempDir())}
	return &Runner{Stores: stores, HeartbeatInterval: 10 * time.Millisecond, PausePollInterval: 5 * time.Millisecond}
}

func registerEcho(t *testing.T, name string, execute func(input map[string]any, mctx *machine.Context) machine.Result) {
	t.Helper()
	machine.Register(&testMachine{name: name, execute: execute})
}

type testMachine struct {
	name    string
	execute func(input map[string]any, mctx *machine.Context) machine.Result
}

func (m *testMachine) Name() string                    { return m.name }
func (m *testMachine) Description() string             { return "test" }
func (m *testMachine) InputSchema() machine.InputSchema { return machine.InputSchema{} }
func (m *testMachine) Execute(ctx context.Context, input map[string]any, mctx *machine.Context) machine.Result {
	return m.execute(input, mctx)
}

func passthroughMapper(prev machine.Result, sc StepContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func TestRun_CompletesAllSteps(t *testing.T) {
	registerEcho(t, "runner-test.step-a", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusOK, Data: "a"}
	})
	registerEcho(t, "runner-test.step-b", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusOK, Data: "b"}
	})

	r := testRunner(t)
	steps := []Step{
		{Machine: "runner-test.step-a", InputMapper: passthroughMapper},
		{Machine: "runner-test.step-b", InputMapper: passthroughMapper},
	}

	res := r.Run(context.Background(), "develop", steps, nil, nil, &machine.Context{}, nil)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	if len(res.Results) != 2 || res.Results[1].Data != "b" {
		t.Fatalf("unexpected results: %+v", res.Results)
	}
}

func TestRun_StopsOnRequiredStepError(t *testing.T) {
	registerEcho(t, "runner-test.failing", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusError, Error: "boom"}
	})
	registerEcho(t, "runner-test.never-runs", func(map[string]any, *machine.Context) machine.Result {
		t.Fatal("should not reach this step")
		return machine.Result{}
	})

	r := testRunner(t)
	steps := []Step{
		{Machine: "runner-test.failing", InputMapper: passthroughMapper},
		{Machine: "runner-test.never-runs", InputMapper: passthroughMapper},
	}

	res := r.Run(context.Background(), "develop", steps, nil, nil, &machine.Context{}, nil)
	if res.Status != StatusFailed || res.Error != "boom" {
		t.Fatalf("expected failed with boom, got %+v", res)
	}
}

func TestRun_OptionalStepFailureDoesNotAbort(t *testing.T) {
	registerEcho(t, "runner-test.optional-fail", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusError, Error: "ignored"}
	})
	registerEcho(t, "runner-test.after-optional", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusOK}
	})

	r := testRunner(t)
	steps := []Step{
		{Machine: "runner-test.optional-fail", InputMapper: passthroughMapper, Optional: true},
		{Machine: "runner-test.after-optional", InputMapper: passthroughMapper},
	}

	res := r.Run(context.Background(), "develop", steps, nil, nil, &machine.Context{}, nil)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed despite optional failure, got %+v", res)
	}
}

func TestRun_CancelBetweenStepsStopsWorkflow(t *testing.T) {
	token := &CancelToken{}
	registerEcho(t, "runner-test.cancel-first", func(map[string]any, *machine.Context) machine.Result {
		token.Cancel()
		return machine.Result{Status: machine.StatusOK}
	})
	registerEcho(t, "runner-test.cancel-never", func(map[string]any, *machine.Context) machine.Result {
		t.Fatal("should not run after cancel")
		return machine.Result{}
	})

	r := testRunner(t)
	steps := []Step{
		{Machine: "runner-test.cancel-first", InputMapper: passthroughMapper},
		{Machine: "runner-test.cancel-never", InputMapper: passthroughMapper},
	}

	res := r.Run(context.Background(), "develop", steps, nil, token, &machine.Context{}, nil)
	if res.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
}

func TestRun_PauseThenResumeContinues(t *testing.T) {
	token := &CancelToken{}
	var ran int32
	registerEcho(t, "runner-test.pause-first", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusOK}
	})
	registerEcho(t, "runner-test.pause-second", func(map[string]any, *machine.Context) machine.Result {
		atomic.StoreInt32(&ran, 1)
		return machine.Result{Status: machine.StatusOK}
	})

	token.Pause()
	go func() {
		time.Sleep(20 * time.Millisecond)
		token.Resume()
	}()

	r := testRunner(t)
	steps := []Step{
		{Machine: "runner-test.pause-first", InputMapper: passthroughMapper},
		{Machine: "runner-test.pause-second", InputMapper: passthroughMapper},
	}

	res := r.Run(context.Background(), "develop", steps, nil, token, &machine.Context{}, nil)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed after resume, got %+v", res)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected second step to run after resume")
	}
}

func TestRun_PauseHardCapForcesCancellation(t *testing.T) {
	token := &CancelToken{}
	token.Pause()
	registerEcho(t, "runner-test.never-unpaused", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusOK}
	})

	r := testRunner(t)
	r.PauseHardCap = 10 * time.Millisecond
	r.PausePollInterval = 2 * time.Millisecond

	steps := []Step{{Machine: "runner-test.never-unpaused", InputMapper: passthroughMapper}}
	res := r.Run(context.Background(), "develop", steps, nil, token, &machine.Context{}, nil)
	if res.Status != StatusCancelled {
		t.Fatalf("expected hard-cap to force cancellation, got %+v", res)
	}
}

func TestRun_HooksFireForMatchingMachineAndEvent(t *testing.T) {
	registerEcho(t, "runner-test.hooked", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusOK}
	})

	dir := t.TempDir()
	r := testRunner(t)
	r.Hooks = &Hooks{Configs: []HookConfig{
		{On: "machine_complete", MachineRegex: "runner-test\\..*", Run: "touch " + filepath.Join(dir, "machine_complete")},
		{On: "workflow_start", Run: "touch " + filepath.Join(dir, "workflow_start")},
		{On: "machine_complete", MachineRegex: "other\\..*", Run: "touch " + filepath.Join(dir, "unmatched")},
	}}

	steps := []Step{{Machine: "runner-test.hooked", InputMapper: passthroughMapper}}
	res := r.Run(context.Background(), "develop", steps, nil, nil, &machine.Context{}, nil)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	for _, name := range []string{"machine_complete", "workflow_start"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s hook to fire: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "unmatched")); !os.IsNotExist(err) {
		t.Fatalf("hook with a non-matching machine regex fired (stat err = %v)", err)
	}
}

func TestRun_InputMapperErrorOnRequiredStepFails(t *testing.T) {
	registerEcho(t, "runner-test.unreachable", func(map[string]any, *machine.Context) machine.Result {
		t.Fatal("should not run when input mapping fails")
		return machine.Result{}
	})

	r := testRunner(t)
	steps := []Step{{
		Machine: "runner-test.unreachable",
		InputMapper: func(machine.Result, StepContext) (map[string]any, error) {
			return nil, fmt.Errorf("cannot map input")
		},
	}}

	res := r.Run(context.Background(), "develop", steps, nil, nil, &machine.Context{}, nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
}

func TestRun_CheckpointInvokedPerStep(t *testing.T) {
	registerEcho(t, "runner-test.checkpointed", func(map[string]any, *machine.Context) machine.Result {
		return machine.Result{Status: machine.StatusOK}
	})

	var checkpoints int
	r := testRunner(t)
	steps := []Step{{Machine: "runner-test.checkpointed", InputMapper: passthroughMapper}}

	res := r.Run(context.Background(), "develop", steps, nil, nil, &machine.Context{}, func(i int, res machine.Result) {
		checkpoints++
	})
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	if checkpoints != 1 {
		t.Fatalf("expected 1 checkpoint call, got %d", checkpoints)
	}
}
