// Package redact replaces sensitive substrings in process output and
// error messages before they are logged or surfaced to the user, per
// §7's pattern table.
package redact

import "regexp"

// Pattern pairs a compiled matcher with its replacement template.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// patterns is the fixed §7 set: bearer tokens, sk-… keys, GitHub-style
// tokens, JWTs, and password/token/key=value pairs.
var patterns = []Pattern{
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{8,})`),
		Replacement: "$1[REDACTED]",
	},
	{
		Name:        "sk_key",
		Regex:       regexp.MustCompile(`sk-[a-zA-Z0-9_\-]{16,}`),
		Replacement: "[REDACTED]",
	},
	{
		Name:        "github_token",
		Regex:       regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{16,}`),
		Replacement: "[REDACTED]",
	},
	{
		Name:        "jwt",
		Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
		Replacement: "[REDACTED]",
	},
	{
		Name:        "kv_secret",
		Regex:       regexp.MustCompile(`(?i)(password|token|key)\s*[:=]\s*("?)([^\s"]+)("?)`),
		Replacement: "$1=[REDACTED]",
	},
}

// String replaces every matched sensitive substring in s with
// "[REDACTED]", applying each pattern in order.
func String(s string) string {
	for _, p := range patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// Truncate keeps the last maxLen runes of s, dropping the start; no
// marker is added when it truncates. §7 requires the trimmed tail of
// process output (max 1200 chars) attached to a failure result.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[len(r)-maxLen:])
}

// Tail redacts then truncates, the shape every failure result uses to
// build its user-visible error detail.
func Tail(s string, maxLen int) string {
	return Truncate(String(s), maxLen)
}
