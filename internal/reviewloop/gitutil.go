package reviewloop

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnrun/coder/internal/subproc"
)

// changedFilesSince lists paths that differ between the working tree
// (including uncommitted changes) and base, scoping the hygiene
// checker to exactly what this issue touched.
func changedFilesSince(ctx context.Context, dir, base string) ([]string, error) {
	res, err := subproc.Run(ctx, "git diff --name-only "+quote(base)+" && git ls-files --others --exclude-standard", subproc.Options{
		Dir: dir, TimeoutMs: 30_000, ThrowOnNonZero: true,
	})
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func readFileText(dir, path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
