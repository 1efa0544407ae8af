package developloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kilnrun/coder/internal/agent"
	"github.com/kilnrun/coder/internal/agentpool"
	"github.com/kilnrun/coder/internal/coderrors"
	"github.com/kilnrun/coder/internal/machine"
	"github.com/kilnrun/coder/internal/subproc"
	"github.com/kilnrun/coder/internal/worktree"
)

// RegisterMachines registers every develop-pipeline machine except
// develop.quality_review, which internal/reviewloop registers directly
// (§4.I is a self-contained four-phase machine). Per spec.md's
// explicit non-goal, these machines implement only the I/O contract
// §4.H names for each stage — issue selection/prompting/commit-message
// wording is left to the configured agent, not hardcoded here.
func RegisterMachines(pool *agentpool.Pool) {
	machine.Register(&issueDraftMachine{pool: pool})
	machine.Register(&planningMachine{pool: pool})
	machine.Register(&planReviewMachine{pool: pool})
	machine.Register(&implementationMachine{pool: pool})
	machine.Register(&prCreationMachine{pool: pool})
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

// issueDraftMachine (develop.issue_draft) asks the issueSelector agent
// to write a self-contained issue description to ISSUE.md.
type issueDraftMachine struct{ pool *agentpool.Pool }

func (m *issueDraftMachine) Name() string        { return "develop.issue_draft" }
func (m *issueDraftMachine) Description() string { return "drafts ISSUE.md from the selected issue" }
func (m *issueDraftMachine) InputSchema() machine.InputSchema {
	return machine.InputSchema{Required: []string{"issueId", "title"}}
}

func (m *issueDraftMachine) Execute(ctx context.Context, input map[string]any, mctx *machine.Context) machine.Result {
	if mctx.PerIssueState != nil && mctx.PerIssueState.Steps.WroteIssue {
		content, err := readArtifact(mctx, "ISSUE.md")
		if err == nil {
			return machine.Result{Status: machine.StatusOK, Data: content}
		}
	}

	_, a, err := m.pool.GetAgent(ctx, agentpool.RoleIssueSelector, agentpool.GetOptions{Scope: agentpool.ScopeWorkspace})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	prompt := fmt.Sprintf("Write a complete, actionable issue description for %v: %v", input["issueId"], input["title"])
	res, err := a.ExecuteWithRetry(ctx, prompt, agent.ExecOptions{})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}
	if err := writeArtifact(mctx, "ISSUE.md", res.Text); err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}
	if mctx.PerIssueState != nil {
		mctx.PerIssueState.Steps.WroteIssue = true
	}
	return machine.Result{Status: machine.StatusOK, Data: res.Text}
}

// planningMachine (develop.planning) asks the planner agent to write
// PLAN.md. The planner's remit is constrained to that one file; any
// other file it touches is a ConstraintViolationError.
type planningMachine struct{ pool *agentpool.Pool }

func (m *planningMachine) Name() string        { return "develop.planning" }
func (m *planningMachine) Description() string { return "writes PLAN.md from ISSUE.md" }
func (m *planningMachine) InputSchema() machine.InputSchema {
	return machine.InputSchema{}
}

func (m *planningMachine) Execute(ctx context.Context, input map[string]any, mctx *machine.Context) machine.Result {
	if mctx.PerIssueState != nil && mctx.PerIssueState.Steps.WrotePlan {
		content, err := readArtifact(mctx, "PLAN.md")
		if err == nil {
			return machine.Result{Status: machine.StatusOK, Data: content}
		}
	}

	issueText, err := readArtifact(mctx, "ISSUE.md")
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: (&coderrors.PreconditionFailedError{Machine: m.Name(), Condition: "ISSUE.md must exist"}).Error()}
	}

	_, a, err := m.pool.GetAgent(ctx, agentpool.RolePlanner, agentpool.GetOptions{Scope: agentpool.ScopeRepo})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	repo := git{dir: mctx.RepoRoot}
	dirtyBefore, _ := repo.isDirty(ctx)

	prompt := "Write a step-by-step implementation plan for this issue. Only write to .coder/artifacts/PLAN.md.\n\n" + issueText
	res, err := a.ExecuteWithRetry(ctx, prompt, agent.ExecOptions{})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	if !dirtyBefore {
		if dirty, derr := repo.isDirty(ctx); derr == nil && dirty {
			if touched, terr := planTouchedSourceFiles(ctx, repo); terr == nil && touched {
				return machine.Result{Status: machine.StatusError, Error: (&coderrors.ConstraintViolationError{
					Machine: m.Name(), Detail: "planner modified files other than PLAN.md",
				}).Error()}
			}
		}
	}

	if err := writeArtifact(mctx, "PLAN.md", res.Text); err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}
	if mctx.PerIssueState != nil {
		mctx.PerIssueState.Steps.WrotePlan = true
	}
	return machine.Result{Status: machine.StatusOK, Data: res.Text}
}

func planTouchedSourceFiles(ctx context.Context, repo git) (bool, error) {
	res, err := repo.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		path := fields[len(fields)-1]
		if !strings.Contains(path, ".coder/artifacts/PLAN.md") {
			return true, nil
		}
	}
	return false, nil
}

// planReviewMachine (develop.plan_review) asks the planReviewer agent
// to critique PLAN.md, writing PLANREVIEW.md.
type planReviewMachine struct{ pool *agentpool.Pool }

func (m *planReviewMachine) Name() string        { return "develop.plan_review" }
func (m *planReviewMachine) Description() string { return "reviews PLAN.md, writes PLANREVIEW.md" }
func (m *planReviewMachine) InputSchema() machine.InputSchema {
	return machine.InputSchema{}
}

func (m *planReviewMachine) Execute(ctx context.Context, input map[string]any, mctx *machine.Context) machine.Result {
	planText, err := readArtifact(mctx, "PLAN.md")
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: (&coderrors.PreconditionFailedError{
			Machine: m.Name(), Condition: "PLAN.md must exist",
		}).Error()}
	}

	_, a, err := m.pool.GetAgent(ctx, agentpool.RolePlanReviewer, agentpool.GetOptions{Scope: agentpool.ScopeWorkspace})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	prompt := "Critique this implementation plan for completeness and risk:\n\n" + planText
	res, err := a.ExecuteWithRetry(ctx, prompt, agent.ExecOptions{})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}
	if err := writeArtifact(mctx, "PLANREVIEW.md", res.Text); err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}
	return machine.Result{Status: machine.StatusOK, Data: res.Text}
}

// implementationMachine (develop.implementation) asks the programmer
// agent to carry out PLAN.md against the repository, on a dedicated
// issue branch.
type implementationMachine struct{ pool *agentpool.Pool }

func (m *implementationMachine) Name() string        { return "develop.implementation" }
func (m *implementationMachine) Description() string { return "implements PLAN.md on the issue branch" }
func (m *implementationMachine) InputSchema() machine.InputSchema {
	return machine.InputSchema{Required: []string{"branch", "baseBranch"}}
}

func (m *implementationMachine) Execute(ctx context.Context, input map[string]any, mctx *machine.Context) machine.Result {
	if mctx.PerIssueState != nil && mctx.PerIssueState.Steps.Implemented {
		return machine.Result{Status: machine.StatusOK}
	}

	planText, err := readArtifact(mctx, "PLAN.md")
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: (&coderrors.PreconditionFailedError{
			Machine: m.Name(), Condition: "PLAN.md must exist",
		}).Error()}
	}

	branch, _ := input["branch"].(string)
	baseBranch, _ := input["baseBranch"].(string)
	repo := git{dir: mctx.RepoRoot}
	if !repo.branchExists(ctx, branch) {
		if err := repo.createBranch(ctx, branch, baseBranch); err != nil {
			return machine.Result{Status: machine.StatusError, Error: err.Error()}
		}
	} else if err := repo.checkout(ctx, branch); err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	m.pool.SetRepoRoot(mctx.RepoRoot)
	_, a, err := m.pool.GetAgent(ctx, agentpool.RoleProgrammer, agentpool.GetOptions{Scope: agentpool.ScopeRepo})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	sessionID := ""
	if mctx.PerIssueState != nil {
		sessionID = mctx.PerIssueState.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	prompt := "Implement this plan in full, committing your work as you go:\n\n" + planText
	res, err := a.ExecuteWithRetry(ctx, prompt, agent.ExecOptions{SessionID: sessionID})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	if mctx.PerIssueState != nil {
		mctx.PerIssueState.Steps.Implemented = true
		mctx.PerIssueState.Branch = branch
		mctx.PerIssueState.BaseBranch = baseBranch
		mctx.PerIssueState.SessionID = sessionID
	}
	return machine.Result{Status: machine.StatusOK, Data: res.Text}
}

// prCreationMachine (develop.pr_creation) shells out to gh to open a
// pull request for the issue branch and takes the first output line
// starting "http" as its URL. glab is not supported.
type prCreationMachine struct{ pool *agentpool.Pool }

func (m *prCreationMachine) Name() string        { return "develop.pr_creation" }
func (m *prCreationMachine) Description() string { return "opens a pull request for the issue branch" }
func (m *prCreationMachine) InputSchema() machine.InputSchema {
	return machine.InputSchema{Required: []string{"branch", "baseBranch", "title"}}
}

func (m *prCreationMachine) Execute(ctx context.Context, input map[string]any, mctx *machine.Context) machine.Result {
	if mctx.PerIssueState != nil && mctx.PerIssueState.ReviewFingerprint != "" {
		if actual, err := worktree.Fingerprint(ctx, mctx.RepoRoot); err == nil {
			if actual != mctx.PerIssueState.ReviewFingerprint {
				return machine.Result{Status: machine.StatusError, Error: (&coderrors.WorktreeDriftError{
					Expected: mctx.PerIssueState.ReviewFingerprint, Actual: actual,
				}).Error()}
			}
		}
	}

	branch, _ := input["branch"].(string)
	baseBranch, _ := input["baseBranch"].(string)
	title, _ := input["title"].(string)

	body := ""
	if coalesce, err := readArtifact(mctx, "COALESCE.md"); err == nil {
		body = coalesce
	}

	command := fmt.Sprintf("gh pr create --title %s --base %s --head %s --body %s",
		quote(title), quote(baseBranch), quote(branch), quote(body))
	res, err := subproc.Run(ctx, command, subproc.Options{Dir: mctx.RepoRoot, TimeoutMs: 30_000, ThrowOnNonZero: true})
	if err != nil {
		return machine.Result{Status: machine.StatusError, Error: err.Error()}
	}

	url := ""
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "http") {
			url = strings.TrimSpace(line)
			break
		}
	}
	if mctx.PerIssueState != nil {
		mctx.PerIssueState.Steps.PRCreated = true
		mctx.PerIssueState.PRUrl = url
	}
	return machine.Result{Status: machine.StatusOK, Data: url}
}
