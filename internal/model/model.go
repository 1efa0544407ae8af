// Package model defines the shared data model (§3): issues and their
// outcomes, the three durable JSON documents, and the runner context
// threaded through every machine invocation.
package model

import "time"

// IssueSource identifies where an issue originated.
type IssueSource string

const (
	SourceGitHub IssueSource = "github"
	SourceGitLab IssueSource = "gitlab"
	SourceLinear IssueSource = "linear"
	SourceLocal  IssueSource = "local"
)

// Issue is immutable once enqueued; uniquely identified by (Source, ID).
type Issue struct {
	Source     IssueSource `json:"source"`
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	RepoPath   string      `json:"repoPath,omitempty"`
	Difficulty int         `json:"difficulty,omitempty"`
	DependsOn  []string    `json:"dependsOn"`
}

// Key returns the (source, id) identity tuple as a single string, used
// as a map key for outcome lookup and dependency resolution.
func (i Issue) Key() string {
	return string(i.Source) + ":" + i.ID
}

// OutcomeStatus is the lifecycle of a single issue's processing.
type OutcomeStatus string

const (
	StatusPending    OutcomeStatus = "pending"
	StatusInProgress OutcomeStatus = "in_progress"
	StatusCompleted  OutcomeStatus = "completed"
	StatusFailed     OutcomeStatus = "failed"
	StatusSkipped    OutcomeStatus = "skipped"
	StatusDeferred   OutcomeStatus = "deferred"
)

// IssueOutcome is attached to each issue after processing. Transitions
// are monotonic except pending<->deferred, which may revert to
// in_progress on a retry pass.
type IssueOutcome struct {
	Status     OutcomeStatus `json:"status"`
	Branch     string        `json:"branch,omitempty"`
	PRUrl      string        `json:"prUrl,omitempty"`
	BaseBranch string        `json:"baseBranch,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// QueuedIssue pairs an Issue with its mutable outcome for storage in
// LoopState.IssueQueue, in scheduling order.
type QueuedIssue struct {
	Issue   Issue        `json:"issue"`
	Outcome IssueOutcome `json:"outcome"`
}

// LoopStatus is the top-level state of a develop loop run.
type LoopStatus string

const (
	LoopIdle      LoopStatus = "idle"
	LoopRunning   LoopStatus = "running"
	LoopPaused    LoopStatus = "paused"
	LoopCompleted LoopStatus = "completed"
	LoopFailed    LoopStatus = "failed"
	LoopCancelled LoopStatus = "cancelled"
)

// LoopState is the per-workspace develop loop document (one active at
// a time); see §3 and §4.G loop-state.json.
type LoopState struct {
	RunID                 string        `json:"runId"`
	Status                LoopStatus    `json:"status"`
	IssueQueue            []QueuedIssue `json:"issueQueue"`
	CurrentIndex          int           `json:"currentIndex"`
	CurrentStage          string        `json:"currentStage"`
	CurrentStageStartedAt time.Time     `json:"currentStageStartedAt"`
	LastHeartbeatAt       time.Time     `json:"lastHeartbeatAt"`
	RunnerPid             int           `json:"runnerPid"`
	ActiveAgent           string        `json:"activeAgent,omitempty"`
	StartedAt             time.Time     `json:"startedAt"`
	CompletedAt           time.Time     `json:"completedAt,omitempty"`
}

// StepFlags records per-machine completion so re-execution can
// short-circuit with a cached result (§4.D idempotence).
type StepFlags struct {
	WroteIssue            bool   `json:"wroteIssue"`
	WrotePlan             bool   `json:"wrotePlan"`
	Implemented           bool   `json:"implemented"`
	ReviewerCompleted     bool   `json:"reviewerCompleted"`
	ReviewRound           int    `json:"reviewRound"`
	ReviewVerdict         string `json:"reviewVerdict,omitempty"`
	ProgrammerFixedRound  int    `json:"programmerFixedRound"`
	PpcommitClean         bool   `json:"ppcommitClean"`
	TestsPassed           bool   `json:"testsPassed"`
	PRCreated             bool   `json:"prCreated"`
}

// PerIssueState is scoped to the currently active issue; reset
// (deleted) at the start of each new issue.
type PerIssueState struct {
	Selected         bool      `json:"selected"`
	RepoPath         string    `json:"repoPath"`
	Branch           string    `json:"branch"`
	BaseBranch       string    `json:"baseBranch"`
	Steps            StepFlags `json:"steps"`
	SessionID        string    `json:"sessionId,omitempty"`
	ReviewFingerprint string   `json:"reviewFingerprint,omitempty"`
	PRUrl            string    `json:"prUrl,omitempty"`
}

// LifecycleValue is one of the lifecycle state machine's named states
// (§4.F).
type LifecycleValue string

const (
	LifecycleIdle        LifecycleValue = "idle"
	LifecycleRunning     LifecycleValue = "running"
	LifecyclePaused      LifecycleValue = "paused"
	LifecycleCancelling  LifecycleValue = "cancelling"
	LifecycleCompleted   LifecycleValue = "completed"
	LifecycleFailed      LifecycleValue = "failed"
	LifecycleCancelled   LifecycleValue = "cancelled"
)

// LifecycleContext is the mutable context carried by the lifecycle
// machine across transitions.
type LifecycleContext struct {
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	StartedAt       time.Time `json:"startedAt"`
	CompletedAt     time.Time `json:"completedAt,omitempty"`
	CurrentStage    string    `json:"currentStage,omitempty"`
	ActiveAgent     string    `json:"activeAgent,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// LifecycleSnapshot is the serialized form of the lifecycle machine,
// written on every transition (§3, §4.F).
type LifecycleSnapshot struct {
	RunID     string           `json:"runId"`
	Workflow  string           `json:"workflow"`
	Value     LifecycleValue   `json:"value"`
	Context   LifecycleContext `json:"context"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ControlAction is the action named by a file-based control signal.
type ControlAction string

const (
	ActionCancel ControlAction = "cancel"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
)

// ControlSignal is the optional file-based fallback for cancel/pause/
// resume when the in-memory token is unreachable (§3, §4.G).
type ControlSignal struct {
	Action ControlAction `json:"action"`
	RunID  string        `json:"runId,omitempty"`
	Ts     time.Time     `json:"ts"`
}
