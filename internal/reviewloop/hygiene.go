package reviewloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Severity discriminates a hygiene Finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one commit-hygiene violation.
type Finding struct {
	Path     string
	Line     int
	Rule     string
	Message  string
	Severity Severity
}

// PpcommitConfig mirrors spec.md §6's ppcommit.* configuration keys.
type PpcommitConfig struct {
	Preset                string
	EnableLLM             bool
	LLMModelRef           string
	TreatWarningsAsErrors bool

	// ExcludeGlobs are doublestar patterns for paths the checker skips
	// entirely (generated files, vendored code, fixtures).
	ExcludeGlobs []string

	// GateExpression, if set, is evaluated via internal/expreval
	// against {errorCount, warningCount, treatWarningsAsErrors} to
	// decide pass/fail instead of the default
	// "errorCount==0 && (!treatWarningsAsErrors || warningCount==0)"
	// rule. Lets a project tighten or relax the gate without a code
	// change.
	GateExpression string
}

// maxLineLength is the hygiene checker's line-length rule threshold;
// not configurable, matches the "standard" preset.
const maxLineLength = 200

// runHygiene scopes the check to files changed since base, applies
// the exclude globs, and returns findings plus a human-readable
// summary (ppSection) for the reviewer prompt.
func runHygiene(ctx context.Context, dir, base string, cfg PpcommitConfig) ([]Finding, string, error) {
	paths, err := changedFilesSince(ctx, dir, base)
	if err != nil {
		return nil, "", fmt.Errorf("listing changed files: %w", err)
	}

	var findings []Finding
	for _, path := range paths {
		if excluded(path, cfg.ExcludeGlobs) {
			continue
		}
		text, err := readFileText(dir, path)
		if err != nil {
			continue // deleted file; nothing to lint
		}
		findings = append(findings, checkFile(path, text)...)
	}

	return findings, buildPpSection(findings), nil
}

func excluded(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

func checkFile(path, text string) []Finding {
	var findings []Finding
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lineNo := i + 1
		if strings.Contains(line, "<<<<<<<") || strings.Contains(line, ">>>>>>>") {
			findings = append(findings, Finding{
				Path: path, Line: lineNo, Rule: "merge-conflict-marker",
				Message: "unresolved merge conflict marker", Severity: SeverityError,
			})
		}
		if len(line) > maxLineLength {
			findings = append(findings, Finding{
				Path: path, Line: lineNo, Rule: "line-length",
				Message: fmt.Sprintf("line exceeds %d characters", maxLineLength), Severity: SeverityWarning,
			})
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			upper := strings.ToUpper(trimmed)
			if strings.Contains(upper, "TODO") || strings.Contains(upper, "FIXME") {
				findings = append(findings, Finding{
					Path: path, Line: lineNo, Rule: "todo-marker",
					Message: "unresolved TODO/FIXME left in changed code", Severity: SeverityWarning,
				})
			}
		}
		if strings.Contains(line, "fmt.Println(") || strings.Contains(line, "console.log(") {
			findings = append(findings, Finding{
				Path: path, Line: lineNo, Rule: "debug-print",
				Message: "debug print statement left in changed code", Severity: SeverityWarning,
			})
		}
	}
	return findings
}

func buildPpSection(findings []Finding) string {
	if len(findings) == 0 {
		return "No commit-hygiene findings."
	}
	var b strings.Builder
	b.WriteString("Commit-hygiene findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s:%d %s (%s)\n", f.Severity, f.Path, f.Line, f.Message, f.Rule)
	}
	return b.String()
}

func countBySeverity(findings []Finding) (errs, warns int) {
	for _, f := range findings {
		if f.Severity == SeverityError {
			errs++
		} else {
			warns++
		}
	}
	return
}

// gatePasses decides pass/fail for a set of findings, using
// cfg.GateExpression via eval if set, else the default rule.
func gatePasses(eval gateEvaluator, cfg PpcommitConfig, findings []Finding) (bool, error) {
	errs, warns := countBySeverity(findings)
	if cfg.GateExpression == "" {
		return errs == 0 && (!cfg.TreatWarningsAsErrors || warns == 0), nil
	}
	env := map[string]any{
		"errorCount":            errs,
		"warningCount":          warns,
		"treatWarningsAsErrors": cfg.TreatWarningsAsErrors,
	}
	return eval.Evaluate(cfg.GateExpression, env)
}

// gateEvaluator is the narrow subset of internal/expreval.Evaluator
// this package calls, kept as an interface so tests can stub it
// without compiling expr programs.
type gateEvaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}
