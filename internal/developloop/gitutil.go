package developloop

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kilnrun/coder/internal/subproc"
)

// git is a minimal git porcelain wrapper scoped to one repository
// directory, shelling out via internal/subproc (§4.A) the same way the
// rest of this codebase invokes external tools.
type git struct {
	dir string
}

func (g git) run(ctx context.Context, args ...string) (*subproc.Result, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	command := "git " + strings.Join(quoted, " ")
	return subproc.Run(ctx, command, subproc.Options{Dir: g.dir, TimeoutMs: 30_000, ThrowOnNonZero: true})
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// defaultBranch resolves the repository's default branch via the
// origin HEAD symbolic ref, falling back to "main" when no remote
// tracking ref is configured (e.g. a freshly initialized repo).
func (g git) defaultBranch(ctx context.Context) (string, error) {
	res, err := g.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main", nil
	}
	ref := strings.TrimSpace(res.Stdout)
	return strings.TrimPrefix(ref, "refs/remotes/origin/"), nil
}

func (g git) currentBranch(ctx context.Context) (string, error) {
	res, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (g git) checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

func (g git) createBranch(ctx context.Context, name, from string) error {
	_, err := g.run(ctx, "checkout", "-b", name, from)
	return err
}

func (g git) branchExists(ctx context.Context, name string) bool {
	_, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// isDirty reports whether the working tree has uncommitted changes,
// tracked or untracked.
func (g git) isDirty(ctx context.Context) (bool, error) {
	res, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (g git) commitAll(ctx context.Context, message string) error {
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return err
	}
	_, err := g.run(ctx, "commit", "-m", message)
	return err
}

// resetAndClean discards all uncommitted changes, tracked and
// untracked, used for destructive-reset between issues.
func (g git) resetAndClean(ctx context.Context) error {
	if _, err := g.run(ctx, "reset", "--hard"); err != nil {
		return err
	}
	_, err := g.run(ctx, "clean", "-fd")
	return err
}

func (g git) deleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch", "-D", name)
	return err
}

// commitsSince counts commits reachable from branch but not from base;
// zero means the branch carries no work beyond its base.
func (g git) commitsSince(ctx context.Context, base, branch string) (int, error) {
	res, err := g.run(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil {
		return 0, fmt.Errorf("parsing rev-list count: %w", convErr)
	}
	return n, nil
}

// diff returns the unified diff of branch against base, used to build
// the combined coalesce-pass input.
func (g git) diff(ctx context.Context, base, branch string) (string, error) {
	res, err := g.run(ctx, "diff", base+"..."+branch)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
