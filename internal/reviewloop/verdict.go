package reviewloop

import "regexp"

// Verdict is the reviewer agent's phase 2 decision.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictRevise   Verdict = "REVISE"
)

// verdictRe is anchored to line boundaries so example text embedded in
// the prompt or findings body can't be mistaken for the real verdict
// heading.
var verdictRe = regexp.MustCompile(`(?m)^## VERDICT: (APPROVED|REVISE)\s*$`)

// ParseVerdict takes the last matching verdict heading in text, per
// spec: a missing verdict is treated as REVISE rather than failing
// the machine outright.
func ParseVerdict(text string) Verdict {
	matches := verdictRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return VerdictRevise
	}
	return Verdict(matches[len(matches)-1][1])
}
