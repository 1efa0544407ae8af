package reviewloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnrun/coder/internal/agent"
	"github.com/kilnrun/coder/internal/agentpool"
	"github.com/kilnrun/coder/internal/coderrors"
	"github.com/kilnrun/coder/internal/expreval"
	"github.com/kilnrun/coder/internal/machine"
	"github.com/kilnrun/coder/internal/subproc"
	"github.com/kilnrun/coder/internal/worktree"
)

// RegisterMachine registers the quality-review machine as
// develop.quality_review, completing the six machines
// internal/developloop's pipeline names (§4.H step 4.d).
func RegisterMachine(pool *agentpool.Pool, cfg Config) {
	machine.Register(&qualityReviewMachine{pool: pool, cfg: cfg, eval: expreval.New()})
}

type qualityReviewMachine struct {
	pool *agentpool.Pool
	cfg  Config
	eval *expreval.Evaluator
}

func (m *qualityReviewMachine) Name() string { return "develop.quality_review" }
func (m *qualityReviewMachine) Description() string {
	return "runs commit-hygiene checks and a bounded reviewer/implementer loop before PR creation"
}
func (m *qualityReviewMachine) InputSchema() machine.InputSchema {
	return machine.InputSchema{Required: []string{"baseBranch"}}
}

func (m *qualityReviewMachine) Execute(ctx context.Context, input map[string]any, mctx *machine.Context) machine.Result {
	baseBranch, _ := input["baseBranch"].(string)
	if baseBranch == "" {
		return machine.Result{Status: machine.StatusError, Error: (&coderrors.PreconditionFailedError{
			Machine: m.Name(), Condition: "baseBranch input is required",
		}).Error()}
	}
	if mctx.PerIssueState == nil {
		return machine.Result{Status: machine.StatusError, Error: (&coderrors.PreconditionFailedError{
			Machine: m.Name(), Condition: "per-issue state must be initialized",
		}).Error()}
	}

	findings, ppSection, err := runHygiene(ctx, mctx.RepoRoot, baseBranch, m.cfg.Ppcommit)
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	verdict, rerr := m.reviewLoop(ctx, mctx, ppSection)
	if rerr != nil {
		return machine.Result{Status: machine.StatusError, Error: rerr.Error()}
	}

	if verdict != VerdictApproved {
		if err := m.runCommitter(ctx, mctx, "Resolve the open review findings in REVIEW_FINDINGS.md. Fix only what is flagged; do not refactor unrelated code."); err != nil {
			return machine.Result{Status: machine.StatusError, Error: err.Error()}
		}
	}

	if err := m.hardGates(ctx, mctx, baseBranch, findings); err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	fp, err := worktree.Fingerprint(ctx, mctx.RepoRoot)
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}
	mctx.PerIssueState.ReviewFingerprint = fp
	mctx.PerIssueState.Steps.PpcommitClean = true

	return machine.Result{Status: machine.StatusOK, Data: fp}
}

// reviewLoop runs phase 2: up to cfg.MaxRounds rounds of reviewer
// critique followed by an implementer fix, resumable mid-round via
// the persisted ReviewRound/ProgrammerFixedRound counters.
func (m *qualityReviewMachine) reviewLoop(ctx context.Context, mctx *machine.Context, ppSection string) (Verdict, error) {
	st := mctx.PerIssueState
	if st.Steps.ReviewerCompleted {
		return Verdict(st.Steps.ReviewVerdict), nil
	}

	round := st.Steps.ReviewRound
	verdict := VerdictRevise
	for round < m.cfg.maxRounds() {
		prior, _ := readArtifact(mctx, "REVIEW_FINDINGS.md")

		_, reviewer, err := m.pool.GetAgent(ctx, agentpool.RoleReviewer, agentpool.GetOptions{Scope: agentpool.ScopeWorkspace})
		if err != nil {
			return verdict, err
		}
		prompt := fmt.Sprintf(
			"Review the changes on this branch against the base branch. Findings so far:\n\n%s\n\n"+
				"Commit-hygiene section:\n\n%s\n\n"+
				"Write your findings to REVIEW_FINDINGS.md, ending with exactly one of:\n"+
				"## VERDICT: APPROVED\nor\n## VERDICT: REVISE",
			prior, ppSection,
		)
		res, err := m.callWithSessionRecovery(ctx, reviewer, prompt, agent.ExecOptions{TimeoutMs: m.cfg.ReviewRoundTimeoutMs})
		if err != nil {
			return verdict, err
		}
		if err := writeArtifact(mctx, "REVIEW_FINDINGS.md", res.Text); err != nil {
			return verdict, err
		}

		round++
		st.Steps.ReviewRound = round
		verdict = ParseVerdict(res.Text)
		st.Steps.ReviewVerdict = string(verdict)

		if verdict == VerdictApproved {
			st.Steps.ReviewerCompleted = true
			return verdict, nil
		}

		if round >= m.cfg.maxRounds() {
			break
		}

		findingsText, _ := readArtifact(mctx, "REVIEW_FINDINGS.md")
		m.pool.SetRepoRoot(mctx.RepoRoot)
		_, programmer, err := m.pool.GetAgent(ctx, agentpool.RoleProgrammer, agentpool.GetOptions{Scope: agentpool.ScopeRepo})
		if err != nil {
			return verdict, err
		}
		fixPrompt := "Address every finding in REVIEW_FINDINGS.md, then commit your changes:\n\n" + findingsText
		_, err = m.callWithSessionRecovery(ctx, programmer, fixPrompt, agent.ExecOptions{
			ResumeID: st.SessionID, TimeoutMs: m.cfg.ProgrammerFixTimeoutMs,
		})
		if err != nil {
			return verdict, err
		}
		st.Steps.ProgrammerFixedRound = round
	}

	return verdict, nil
}

// callWithSessionRecovery runs a single Execute call; on an
// AuthFailureError with a resumeId in play, it drops the stale
// session id and re-invokes once with the same (full) prompt under a
// fresh session rather than a delta follow-up, per §4.I's
// session-resume recovery rule.
func (m *qualityReviewMachine) callWithSessionRecovery(ctx context.Context, a agent.Agent, prompt string, opts agent.ExecOptions) (agent.Result, error) {
	res, err := a.ExecuteWithRetry(ctx, prompt, opts)
	if err == nil {
		return res, nil
	}
	if _, ok := err.(*coderrors.AuthFailureError); !ok || opts.ResumeID == "" {
		return res, err
	}

	retryOpts := opts
	retryOpts.ResumeID = ""
	retryOpts.SessionID = ""
	return a.ExecuteWithRetry(ctx, prompt, retryOpts)
}

func (m *qualityReviewMachine) runCommitter(ctx context.Context, mctx *machine.Context, prompt string) error {
	m.pool.SetRepoRoot(mctx.RepoRoot)
	_, committer, err := m.pool.GetAgent(ctx, agentpool.RoleCommitter, agentpool.GetOptions{Scope: agentpool.ScopeRepo})
	if err != nil {
		return err
	}
	_, err = committer.ExecuteWithRetry(ctx, prompt, agent.ExecOptions{})
	return err
}

// hardGates implements phase 4: re-run hygiene, retry the committer up
// to cfg.CommitterMaxRetries times while it still fails, then run the
// project's tests.
func (m *qualityReviewMachine) hardGates(ctx context.Context, mctx *machine.Context, baseBranch string, findings []Finding) error {
	findings, _, err := runHygiene(ctx, mctx.RepoRoot, baseBranch, m.cfg.Ppcommit)
	if err != nil {
		return err
	}
	ok, err := gatePasses(m.eval, m.cfg.Ppcommit, findings)
	if err != nil {
		return err
	}
	for attempt := 0; !ok && attempt < m.cfg.committerMaxRetries(); attempt++ {
		if err := m.runCommitter(ctx, mctx, "Fix the remaining commit-hygiene violations reported below. Do not refactor.\n\n"+buildPpSection(findings)); err != nil {
			return err
		}
		findings, _, err = runHygiene(ctx, mctx.RepoRoot, baseBranch, m.cfg.Ppcommit)
		if err != nil {
			return err
		}
		ok, err = gatePasses(m.eval, m.cfg.Ppcommit, findings)
		if err != nil {
			return err
		}
	}
	if !ok {
		return &coderrors.ConstraintViolationError{Machine: m.Name(), Detail: "commit-hygiene gate still failing after committer escalation"}
	}

	if m.cfg.TestCommand != "" {
		_, err := subproc.Run(ctx, m.cfg.TestCommand, subproc.Options{
			Dir: mctx.RepoRoot, TimeoutMs: m.cfg.testTimeoutMs(), ThrowOnNonZero: true,
		})
		if err != nil {
			return fmt.Errorf("project tests failed: %w", err)
		}
	}
	mctx.PerIssueState.Steps.TestsPassed = true
	return nil
}

func writeArtifact(mctx *machine.Context, name, content string) error {
	path := filepath.Join(mctx.ArtifactsDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &coderrors.StateWriteError{Path: path, Phase: "mkdir", Cause: err}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &coderrors.StateWriteError{Path: path, Phase: "write", Cause: err}
	}
	return nil
}

func readArtifact(mctx *machine.Context, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(mctx.ArtifactsDir, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
