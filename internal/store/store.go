package store

import (
	"path/filepath"
	"time"

	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/subproc"
)

// heartbeatStaleAfter and the stale-pid check together define when a
// prior run's loop state is considered abandoned (§4.G).
const heartbeatStaleAfter = 30 * time.Second

// Stores bundles the three JSON documents for one workspace, rooted at
// <workspace>/.coder/.
type Stores struct {
	dir string
}

// New returns a Stores rooted at <workspace>/.coder.
func New(workspacePath string) *Stores {
	return &Stores{dir: filepath.Join(workspacePath, ".coder")}
}

func (s *Stores) Dir() string                 { return s.dir }
func (s *Stores) perIssuePath() string        { return filepath.Join(s.dir, "state.json") }
func (s *Stores) loopStatePath() string        { return filepath.Join(s.dir, "loop-state.json") }
func (s *Stores) lifecyclePath() string        { return filepath.Join(s.dir, "workflow-state.json") }
func (s *Stores) controlPath() string          { return filepath.Join(s.dir, "control.json") }

// LoadPerIssueState returns the active issue's state, or the zero
// value and false if none is persisted.
func (s *Stores) LoadPerIssueState() (model.PerIssueState, bool, error) {
	var st model.PerIssueState
	ok, err := readJSON(s.perIssuePath(), &st)
	return st, ok, err
}

// SavePerIssueState writes state.json atomically. It is single-writer
// by convention (the currently executing machine), so it takes no
// guard.
func (s *Stores) SavePerIssueState(st model.PerIssueState) error {
	return writeAtomic(s.perIssuePath(), st)
}

// ResetPerIssueState deletes state.json at the start of a new issue.
func (s *Stores) ResetPerIssueState() error {
	return removeIfExists(s.perIssuePath())
}

// LoadLoopState returns the workspace's loop state, or the zero value
// and false if none is persisted.
func (s *Stores) LoadLoopState() (model.LoopState, bool, error) {
	var st model.LoopState
	ok, err := readJSON(s.loopStatePath(), &st)
	return st, ok, err
}

// SaveLoopState writes loop-state.json, guarded by guardRunID when
// non-empty.
func (s *Stores) SaveLoopState(st model.LoopState, guardRunID string) error {
	return writeGuarded(s.loopStatePath(), guardRunID, st)
}

// LoadLifecycleSnapshot returns the lifecycle snapshot, or the zero
// value and false if none is persisted.
func (s *Stores) LoadLifecycleSnapshot() (model.LifecycleSnapshot, bool, error) {
	var snap model.LifecycleSnapshot
	ok, err := readJSON(s.lifecyclePath(), &snap)
	return snap, ok, err
}

// SaveLifecycleSnapshot writes workflow-state.json, guarded by
// guardRunID when non-empty.
func (s *Stores) SaveLifecycleSnapshot(snap model.LifecycleSnapshot, guardRunID string) error {
	return writeGuarded(s.lifecyclePath(), guardRunID, snap)
}

// PollControlSignal reads control.json if present, and — when its
// RunID matches runID (or is empty) — unlinks it and returns the
// parsed signal. The develop command calls it on a fixed interval
// (watchControlSignals) and applies the signal to the runner's cancel
// token, which the runner checks at each checkpoint (§4.G).
func (s *Stores) PollControlSignal(runID string) (*model.ControlSignal, error) {
	var sig model.ControlSignal
	ok, err := readJSON(s.controlPath(), &sig)
	if err != nil || !ok {
		return nil, err
	}
	if sig.RunID != "" && sig.RunID != runID {
		return nil, nil
	}
	if err := removeIfExists(s.controlPath()); err != nil {
		return nil, err
	}
	return &sig, nil
}

// WriteControlSignal writes control.json, used by the CLI's
// cancel/pause/resume subcommands as a fallback when an in-memory
// token can't be reached directly.
func (s *Stores) WriteControlSignal(sig model.ControlSignal) error {
	return writeAtomic(s.controlPath(), sig)
}

// IsStale reports whether a previously recorded loop state should be
// considered abandoned: its heartbeat is older than the stale window
// and its runner pid is no longer alive.
func IsStale(st model.LoopState) bool {
	if time.Since(st.LastHeartbeatAt) < heartbeatStaleAfter {
		return false
	}
	return !subproc.IsRunning(st.RunnerPid)
}

func removeIfExists(path string) error {
	if err := removeFile(path); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}
