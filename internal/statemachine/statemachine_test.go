package statemachine_test

import (
	"context"
	"testing"

	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/statemachine"
	"github.com/kilnrun/coder/internal/store"
)

func newMachine(t *testing.T) (*statemachine.Machine, *store.Stores) {
	t.Helper()
	js := store.New(t.TempDir())
	m := statemachine.New("run-1", "develop", &statemachine.Stores{JSON: js}, nil)
	return m, js
}

func TestHappyPath(t *testing.T) {
	m, js := newMachine(t)
	ctx := context.Background()

	if err := m.Fire(ctx, statemachine.EventStart, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.Value() != model.LifecycleRunning {
		t.Fatalf("value = %s, want running", m.Value())
	}

	if err := m.Fire(ctx, statemachine.EventStage, func(c *model.LifecycleContext) {
		c.CurrentStage = "planning"
	}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if err := m.Fire(ctx, statemachine.EventComplete, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Value() != model.LifecycleCompleted {
		t.Fatalf("value = %s, want completed", m.Value())
	}

	snap, ok, err := js.LoadLifecycleSnapshot()
	if err != nil || !ok {
		t.Fatalf("expected persisted snapshot, ok=%v err=%v", ok, err)
	}
	if snap.Value != model.LifecycleCompleted || snap.Context.CurrentStage != "planning" {
		t.Fatalf("unexpected persisted snapshot: %+v", snap)
	}
}

func TestPauseResume(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	_ = m.Fire(ctx, statemachine.EventStart, nil)
	if err := m.Fire(ctx, statemachine.EventPause, nil); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if m.Value() != model.LifecyclePaused {
		t.Fatalf("value = %s, want paused", m.Value())
	}
	if err := m.Fire(ctx, statemachine.EventResume, nil); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if m.Value() != model.LifecycleRunning {
		t.Fatalf("value = %s, want running", m.Value())
	}
}

func TestIllegalTransition(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	// Cannot pause before starting.
	err := m.Fire(ctx, statemachine.EventPause, nil)
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if _, ok := err.(*statemachine.ErrIllegalTransition); !ok {
		t.Fatalf("expected *ErrIllegalTransition, got %T", err)
	}
}

func TestFinalStatesHaveNoOutgoingTransitions(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	_ = m.Fire(ctx, statemachine.EventStart, nil)
	_ = m.Fire(ctx, statemachine.EventFail, nil)

	if err := m.Fire(ctx, statemachine.EventHeartbeat, nil); err == nil {
		t.Fatal("expected error firing an event against a final state")
	}
}

func TestCancelFromPaused(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	_ = m.Fire(ctx, statemachine.EventStart, nil)
	_ = m.Fire(ctx, statemachine.EventPause, nil)

	if err := m.Fire(ctx, statemachine.EventCancel, nil); err != nil {
		t.Fatalf("cancel from paused: %v", err)
	}
	if m.Value() != model.LifecycleCancelling {
		t.Fatalf("value = %s, want cancelling", m.Value())
	}
}
