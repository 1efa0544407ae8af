// Package worktree implements the WorktreeFingerprint primitive
// (glossary, §4.I): a content hash of everything not yet committed —
// the index state, the tracked diff against it, and untracked-not-
// ignored file contents — used to detect drift between the end of
// quality-review and the start of PR creation.
//
// Grounded on the subprocess-invocation style of internal/subproc
// (§4.A): git is shelled out to, never linked in as a library, the
// same way every other external tool in this codebase is driven.
package worktree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnrun/coder/internal/subproc"
)

// Fingerprint computes the WorktreeFingerprint for the repository at
// dir: sha256 over the concatenation of `git status --porcelain`
// (index/tracked-diff state, both staged and unstaged), the full
// tracked diff (`git diff HEAD`), and the contents of every
// untracked-not-ignored file, each separated by a null byte.
func Fingerprint(ctx context.Context, dir string) (string, error) {
	status, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	diff, err := run(ctx, dir, "diff", "HEAD")
	if err != nil {
		return "", err
	}
	untracked, err := run(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(status))
	h.Write([]byte{0})
	h.Write([]byte(diff))
	h.Write([]byte{0})

	for _, name := range strings.Split(strings.TrimSpace(untracked), "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		content, err := readFile(dir, name)
		if err != nil {
			continue // file may have been removed mid-scan; not fatal to the fingerprint
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(content)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func readFile(dir, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(dir, name))
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	command := "git " + strings.Join(args, " ")
	res, err := subproc.Run(ctx, command, subproc.Options{Dir: dir, TimeoutMs: 30_000, ThrowOnNonZero: true})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
