// Package statemachine implements the lifecycle finite state machine
// (§4.F): idle -> running <-> paused -> cancelling -> {completed,
// failed, cancelled}. Every transition is persisted to the §4.G
// lifecycle snapshot file (guarded by runId) and, best-effort, to the
// relational mirror when Stores.Mirror is set.
//
// Grounded on the teacher's internal/controller/runner.Runner RunStatus
// handling (a simpler pending/running/completed/failed/cancelled set
// guarded by a mutex) generalized to the full §4.F transition table,
// which also needs paused and cancelling.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/store"
)

// Event is a named trigger for a lifecycle transition.
type Event string

const (
	EventStart     Event = "START"
	EventHeartbeat Event = "HEARTBEAT"
	EventStage     Event = "STAGE"
	EventPause     Event = "PAUSE"
	EventResume    Event = "RESUME"
	EventCancel    Event = "CANCEL"
	EventComplete  Event = "COMPLETE"
	EventFail      Event = "FAIL"
	EventCancelled Event = "CANCELLED"
)

// transitions encodes the table in §4.F: for each current state, which
// events are legal and what state they lead to.
var transitions = map[model.LifecycleValue]map[Event]model.LifecycleValue{
	model.LifecycleIdle: {
		EventStart: model.LifecycleRunning,
	},
	model.LifecycleRunning: {
		EventHeartbeat: model.LifecycleRunning,
		EventStage:     model.LifecycleRunning,
		EventPause:     model.LifecyclePaused,
		EventCancel:    model.LifecycleCancelling,
		EventComplete:  model.LifecycleCompleted,
		EventFail:      model.LifecycleFailed,
		EventCancelled: model.LifecycleCancelled,
	},
	model.LifecyclePaused: {
		EventResume:    model.LifecycleRunning,
		EventCancel:    model.LifecycleCancelling,
		EventComplete:  model.LifecycleCompleted,
		EventFail:      model.LifecycleFailed,
		EventCancelled: model.LifecycleCancelled,
	},
	model.LifecycleCancelling: {
		EventComplete:  model.LifecycleCompleted,
		EventFail:      model.LifecycleFailed,
		EventCancelled: model.LifecycleCancelled,
	},
}

// finalStates have no outgoing transitions.
var finalStates = map[model.LifecycleValue]bool{
	model.LifecycleCompleted: true,
	model.LifecycleFailed:    true,
	model.LifecycleCancelled: true,
}

// ErrIllegalTransition is returned when an event has no transition
// defined from the machine's current state.
type ErrIllegalTransition struct {
	From  model.LifecycleValue
	Event Event
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("no transition for event %s from state %s", e.Event, e.From)
}

// Machine is one run's lifecycle state machine. It is not safe to
// share across runs, but is safe for concurrent transitions against
// the same run (e.g. a heartbeat goroutine and the main runner loop).
type Machine struct {
	mu       sync.Mutex
	snapshot model.LifecycleSnapshot
	stores   *Stores
	logger   *slog.Logger
}

// Stores is the subset of store.Stores this machine persists through,
// plus an optional SQLite mirror.
type Stores struct {
	JSON   *store.Stores
	Mirror *store.SQLiteMirror // may be nil
}

// New creates a Machine in the idle state for runID/workflow.
func New(runID, workflow string, stores *Stores, logger *slog.Logger) *Machine {
	return &Machine{
		snapshot: model.LifecycleSnapshot{
			RunID:    runID,
			Workflow: workflow,
			Value:    model.LifecycleIdle,
		},
		stores: stores,
		logger: logger,
	}
}

// Value returns the machine's current state.
func (m *Machine) Value() model.LifecycleValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Value
}

// Snapshot returns a copy of the current lifecycle snapshot.
func (m *Machine) Snapshot() model.LifecycleSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Fire applies event, mutating context fields as appropriate, then
// persists the resulting snapshot (guarded by runId) before returning.
// mutate, if non-nil, is applied to the context under the same lock,
// after the event's built-in field updates (e.g. setting currentStage
// for a STAGE event) and before persistence.
func (m *Machine) Fire(ctx context.Context, event Event, mutate func(*model.LifecycleContext)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.snapshot.Value
	if finalStates[from] {
		return &ErrIllegalTransition{From: from, Event: event}
	}
	next, ok := transitions[from][event]
	if !ok {
		return &ErrIllegalTransition{From: from, Event: event}
	}

	now := time.Now().UTC()
	m.snapshot.Value = next
	m.snapshot.UpdatedAt = now

	switch event {
	case EventStart:
		m.snapshot.Context.StartedAt = now
		m.snapshot.Context.LastHeartbeatAt = now
	case EventHeartbeat:
		m.snapshot.Context.LastHeartbeatAt = now
	case EventComplete, EventFail, EventCancelled:
		m.snapshot.Context.CompletedAt = now
	}

	if mutate != nil {
		mutate(&m.snapshot.Context)
	}

	return m.persist(ctx)
}

// persist writes the snapshot to the JSON store guarded by runId, then
// best-effort to the SQLite mirror. Mirror failures are logged, never
// returned — the mirror is a convenience, not the source of truth.
func (m *Machine) persist(ctx context.Context) error {
	if err := m.stores.JSON.SaveLifecycleSnapshot(m.snapshot, m.snapshot.RunID); err != nil {
		return err
	}
	if m.stores.Mirror != nil {
		if err := m.stores.Mirror.Write(ctx, m.snapshot); err != nil && m.logger != nil {
			m.logger.Warn("lifecycle mirror write failed", slog.Any("error", err), slog.String("run_id", m.snapshot.RunID))
		}
	}
	return nil
}
