package developloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/kilnrun/coder/internal/agent"
	"github.com/kilnrun/coder/internal/agentpool"
	"github.com/kilnrun/coder/internal/machine"
	"github.com/kilnrun/coder/internal/model"
	"github.com/kilnrun/coder/internal/runner"
	"github.com/kilnrun/coder/internal/store"
)

// rateLimitRe mirrors §4.B's retry-wrapper pattern; the develop loop
// applies the same classification to a failed pipeline's terminal
// error to decide deferred vs. failed (§4.H step 4e).
var rateLimitRe = regexp.MustCompile(`(?i)rate limit|429|resource_exhausted|quota`)

// IssueFilter narrows issue discovery: a local manifest path, a
// project filter, or a forced id list. The concrete tracker
// integration (gh/glab/Linear MCP) is outside core scope (§6); this
// type only carries whatever a Lister implementation needs.
type IssueFilter struct {
	ProjectFilter  string
	LocalManifest  string
	ForcedIDs      []string
	MaxIssues      int
}

// IssueLister is the issue_list machine's contract (§6): given a
// filter, return the candidate issue set.
type IssueLister interface {
	ListIssues(ctx context.Context, filter IssueFilter) ([]model.Issue, error)
}

// Supervisor drives the develop loop (§4.H): discovery, queueing, and
// the main/retry/coalesce passes, persisting model.LoopState after
// every issue.
type Supervisor struct {
	Stores *store.Stores
	Runner *runner.Runner
	Pool   *agentpool.Pool
	Logger *slog.Logger

	WorkspacePath    string
	RepoRoot         string
	DestructiveReset bool
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run discovers issues via lister, builds the dependency-ordered
// queue, and executes the main, retry, and coalesce passes in order.
func (s *Supervisor) Run(ctx context.Context, lister IssueLister, filter IssueFilter, token *runner.CancelToken) (model.LoopState, error) {
	issues, err := lister.ListIssues(ctx, filter)
	if err != nil {
		return model.LoopState{}, fmt.Errorf("discovering issues: %w", err)
	}
	if filter.MaxIssues > 0 && len(issues) > filter.MaxIssues {
		issues = issues[:filter.MaxIssues]
	}

	fresh, cycles := BuildQueue(issues)
	if len(cycles) > 0 {
		s.logger().Warn("dependency cycle detected among issues", slog.Any("issues", cycles))
	}

	if prior, ok, _ := s.Stores.LoadLoopState(); ok {
		fresh = CarryOverOutcomes(fresh, prior.IssueQueue)
	}

	loopState := model.LoopState{
		RunID:      uuid.New().String(),
		Status:     model.LoopRunning,
		IssueQueue: fresh,
		StartedAt:  time.Now().UTC(),
		RunnerPid:  os.Getpid(),
	}
	if err := s.persist(&loopState); err != nil {
		return loopState, err
	}

	s.mainPass(ctx, &loopState, token)
	if token == nil || !token.IsCancelled() {
		s.retryPass(ctx, &loopState, token)
		s.coalescePass(ctx, &loopState)
	}

	if token != nil && token.IsCancelled() {
		loopState.Status = model.LoopCancelled
	} else {
		loopState.Status = model.LoopCompleted
	}
	loopState.CompletedAt = time.Now().UTC()
	_ = s.persist(&loopState)

	return loopState, nil
}

func (s *Supervisor) persist(loopState *model.LoopState) error {
	loopState.LastHeartbeatAt = time.Now().UTC()
	return s.Stores.SaveLoopState(*loopState, loopState.RunID)
}

// mainPass runs §4.H step 4: each pending issue, in queue order,
// deferring on unresolved deps and skipping when all deps failed.
func (s *Supervisor) mainPass(ctx context.Context, loopState *model.LoopState, token *runner.CancelToken) {
	for i := range loopState.IssueQueue {
		if token != nil && token.IsCancelled() {
			return
		}
		qi := &loopState.IssueQueue[i]
		if qi.Outcome.Status != model.StatusPending {
			continue
		}

		anyDepPending, allDepsFailed := s.inspectDeps(qi.Issue, loopState.IssueQueue)
		if anyDepPending {
			qi.Outcome.Status = model.StatusDeferred
			_ = s.persist(loopState)
			continue
		}
		if allDepsFailed {
			qi.Outcome = model.IssueOutcome{Status: model.StatusSkipped, Error: "all dependencies failed"}
			_ = s.persist(loopState)
			continue
		}

		baseBranch := s.resolveBaseBranch(qi.Issue, loopState.IssueQueue)
		qi.Outcome = s.runDevelopPipeline(ctx, qi.Issue, baseBranch, token, false)
		_ = s.persist(loopState)
		s.resetWorkspace(ctx, qi.Issue, qi.Outcome)
	}
}

// retryPass runs §4.H step 5: deferred issues whose deps have since
// resolved, treating rate-limit as terminal this time.
func (s *Supervisor) retryPass(ctx context.Context, loopState *model.LoopState, token *runner.CancelToken) {
	for i := range loopState.IssueQueue {
		if token != nil && token.IsCancelled() {
			return
		}
		qi := &loopState.IssueQueue[i]
		if qi.Outcome.Status != model.StatusDeferred {
			continue
		}

		anyDepPending, allDepsFailed := s.inspectDeps(qi.Issue, loopState.IssueQueue)
		if anyDepPending {
			continue // still blocked; leave deferred
		}
		if allDepsFailed {
			qi.Outcome = model.IssueOutcome{Status: model.StatusSkipped, Error: "all dependencies failed"}
			_ = s.persist(loopState)
			continue
		}

		baseBranch := s.resolveBaseBranch(qi.Issue, loopState.IssueQueue)
		qi.Outcome = s.runDevelopPipeline(ctx, qi.Issue, baseBranch, token, true)
		_ = s.persist(loopState)
		s.resetWorkspace(ctx, qi.Issue, qi.Outcome)
	}
}

// inspectDeps reports whether any dependency is still unresolved
// (pending/deferred/in_progress) and whether every resolved dependency
// failed or was skipped.
func (s *Supervisor) inspectDeps(issue model.Issue, queue []model.QueuedIssue) (anyPending, allFailed bool) {
	byKey := make(map[string]model.IssueOutcome, len(queue))
	for _, qi := range queue {
		byKey[qi.Issue.Key()] = qi.Outcome
	}

	allFailed = len(issue.DependsOn) > 0
	for _, dep := range issue.DependsOn {
		outcome, ok := byKey[dep]
		if !ok {
			continue // points outside the set
		}
		switch outcome.Status {
		case model.StatusPending, model.StatusDeferred, model.StatusInProgress:
			anyPending = true
		case model.StatusCompleted:
			allFailed = false
		}
	}
	return anyPending, allFailed
}

// resolveBaseBranch returns the first dependency with a completed
// outcome and a non-empty branch, else the repository default.
func (s *Supervisor) resolveBaseBranch(issue model.Issue, queue []model.QueuedIssue) string {
	byKey := make(map[string]model.QueuedIssue, len(queue))
	for _, qi := range queue {
		byKey[qi.Issue.Key()] = qi
	}
	for _, dep := range issue.DependsOn {
		if qi, ok := byKey[dep]; ok && qi.Outcome.Status == model.StatusCompleted && qi.Outcome.Branch != "" {
			return qi.Outcome.Branch
		}
	}
	repo := git{dir: s.repoRootFor(issue)}
	branch, _ := repo.defaultBranch(context.Background())
	return branch
}

func (s *Supervisor) repoRootFor(issue model.Issue) string {
	if issue.RepoPath != "" {
		return issue.RepoPath
	}
	return s.RepoRoot
}

func passthroughInput(prev machine.Result, sc runner.StepContext) (map[string]any, error) {
	return map[string]any{}, nil
}

// runDevelopPipeline runs the six-step sequence (§4.H step 4d) for
// one issue via the workflow runner, mapping the run's terminal status
// onto an model.IssueOutcome.
func (s *Supervisor) runDevelopPipeline(ctx context.Context, issue model.Issue, baseBranch string, token *runner.CancelToken, rateLimitTerminal bool) model.IssueOutcome {
	repoRoot := s.repoRootFor(issue)
	branch := "issue/" + issue.ID

	st, ok, _ := s.Stores.LoadPerIssueState()
	if !ok || st.Branch != branch {
		st = model.PerIssueState{Branch: branch, BaseBranch: baseBranch, RepoPath: repoRoot}
	}

	mctx := &machine.Context{
		WorkspacePath: s.WorkspacePath,
		RepoRoot:      repoRoot,
		ScratchDir:    filepath.Join(s.Stores.Dir(), "scratchpad"),
		ArtifactsDir:  filepath.Join(s.Stores.Dir(), "artifacts"),
		PerIssueState: &st,
	}

	steps := []runner.Step{
		{Machine: "develop.issue_draft", InputMapper: func(machine.Result, runner.StepContext) (map[string]any, error) {
			return map[string]any{"issueId": issue.ID, "title": issue.Title}, nil
		}},
		{Machine: "develop.planning", InputMapper: passthroughInput},
		{Machine: "develop.plan_review", InputMapper: passthroughInput},
		{Machine: "develop.implementation", InputMapper: func(machine.Result, runner.StepContext) (map[string]any, error) {
			return map[string]any{"branch": branch, "baseBranch": baseBranch}, nil
		}},
		{Machine: "develop.quality_review", InputMapper: func(machine.Result, runner.StepContext) (map[string]any, error) {
			return map[string]any{"baseBranch": baseBranch}, nil
		}},
		{Machine: "develop.pr_creation", InputMapper: func(machine.Result, runner.StepContext) (map[string]any, error) {
			return map[string]any{"branch": branch, "baseBranch": baseBranch, "title": issue.Title}, nil
		}},
	}

	result := s.Runner.Run(ctx, "develop", steps, nil, token, mctx, func(i int, res machine.Result) {
		_ = s.Stores.SavePerIssueState(*mctx.PerIssueState)
	})

	outcome := model.IssueOutcome{BaseBranch: baseBranch, Branch: branch}
	switch result.Status {
	case runner.StatusCompleted:
		outcome.Status = model.StatusCompleted
		outcome.PRUrl = mctx.PerIssueState.PRUrl
	case runner.StatusCancelled:
		outcome.Status = model.StatusDeferred
		outcome.Error = "cancelled mid-pipeline"
	case runner.StatusFailed:
		outcome.Error = result.Error
		if !rateLimitTerminal && rateLimitRe.MatchString(result.Error) {
			outcome.Status = model.StatusDeferred
		} else {
			outcome.Status = model.StatusFailed
		}
	}
	return outcome
}

// resetWorkspace implements §4.H's per-issue reset: delete per-issue
// state and artifacts, return to the default branch, optionally
// discard uncommitted changes, preserving partial work as a wip commit
// first when the issue failed or was skipped and the tree is dirty.
func (s *Supervisor) resetWorkspace(ctx context.Context, issue model.Issue, outcome model.IssueOutcome) {
	repo := git{dir: s.repoRootFor(issue)}

	if outcome.Status == model.StatusFailed || outcome.Status == model.StatusSkipped {
		if dirty, err := repo.isDirty(ctx); err == nil && dirty {
			if err := repo.commitAll(ctx, "wip: partial work"); err != nil {
				s.logger().Warn("failed to preserve partial work", slog.String("issue", issue.Key()), slog.Any("error", err))
			}
		}
	}

	for _, name := range []string{"ISSUE.md", "PLAN.md", "PLANREVIEW.md"} {
		_ = os.Remove(filepath.Join(s.Stores.Dir(), "artifacts", name))
	}
	_ = s.Stores.ResetPerIssueState()

	defaultBranch, err := repo.defaultBranch(ctx)
	if err != nil {
		s.logger().Warn("failed to resolve default branch during reset", slog.Any("error", err))
		return
	}
	if err := repo.checkout(ctx, defaultBranch); err != nil {
		s.logger().Warn("failed to check out default branch during reset", slog.String("branch", defaultBranch), slog.Any("error", err))
		return
	}
	if s.DestructiveReset {
		if err := repo.resetAndClean(ctx); err != nil {
			s.logger().Warn("destructive reset failed", slog.Any("error", err))
		}
	}
}

// coalescePass runs §4.H step 6: when at least two issues completed
// with distinct branches, ask the reviewer agent to summarize the
// combined diff into COALESCE.md, then prune branches from
// failed/skipped issues that carry zero commits beyond their base.
func (s *Supervisor) coalescePass(ctx context.Context, loopState *model.LoopState) {
	var completed []model.QueuedIssue
	seenBranches := map[string]bool{}
	for _, qi := range loopState.IssueQueue {
		if qi.Outcome.Status == model.StatusCompleted && qi.Outcome.Branch != "" && !seenBranches[qi.Outcome.Branch] {
			completed = append(completed, qi)
			seenBranches[qi.Outcome.Branch] = true
		}
	}

	if len(completed) >= 2 {
		s.writeCoalesceSummary(ctx, completed)
	}

	for _, qi := range loopState.IssueQueue {
		if qi.Outcome.Status != model.StatusFailed && qi.Outcome.Status != model.StatusSkipped {
			continue
		}
		if qi.Outcome.Branch == "" {
			continue
		}
		repo := git{dir: s.repoRootFor(qi.Issue)}
		base := qi.Outcome.BaseBranch
		if base == "" {
			base, _ = repo.defaultBranch(ctx)
		}
		if !repo.branchExists(ctx, qi.Outcome.Branch) {
			continue
		}
		if n, err := repo.commitsSince(ctx, base, qi.Outcome.Branch); err == nil && n == 0 {
			if err := repo.deleteBranch(ctx, qi.Outcome.Branch); err != nil {
				s.logger().Warn("failed to prune empty branch", slog.String("branch", qi.Outcome.Branch), slog.Any("error", err))
			}
		}
	}
}

func (s *Supervisor) writeCoalesceSummary(ctx context.Context, completed []model.QueuedIssue) {
	combined := ""
	for _, qi := range completed {
		repo := git{dir: s.repoRootFor(qi.Issue)}
		base := qi.Outcome.BaseBranch
		if base == "" {
			base, _ = repo.defaultBranch(ctx)
		}
		diff, err := repo.diff(ctx, base, qi.Outcome.Branch)
		if err != nil {
			continue
		}
		combined += fmt.Sprintf("## %s (%s)\n\n%s\n\n", qi.Issue.Title, qi.Outcome.Branch, diff)
	}
	if combined == "" {
		return
	}

	_, a, err := s.Pool.GetAgent(ctx, agentpool.RoleReviewer, agentpool.GetOptions{Scope: agentpool.ScopeWorkspace})
	if err != nil {
		s.logger().Warn("coalesce pass: failed to acquire reviewer agent", slog.Any("error", err))
		return
	}
	res, err := a.ExecuteWithRetry(ctx, "Summarize these combined changes across issues completed in this run:\n\n"+combined, agent.ExecOptions{})
	if err != nil {
		s.logger().Warn("coalesce pass: reviewer agent failed", slog.Any("error", err))
		return
	}

	path := filepath.Join(s.Stores.Dir(), "artifacts", "COALESCE.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger().Warn("coalesce pass: failed to create artifacts dir", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(path, []byte(res.Text), 0o644); err != nil {
		s.logger().Warn("coalesce pass: failed to write COALESCE.md", slog.Any("error", err))
	}
}
