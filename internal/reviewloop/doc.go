// Package reviewloop implements the quality-review loop (§4.I): a
// single four-phase machine, registered as develop.quality_review,
// invoked once per issue between implementation and PR creation.
//
// Phase 1 runs a commit-hygiene static check scoped to files changed
// since the base branch. Phase 2 is a bounded reviewer/implementer
// loop, at most two rounds, parsing a last-match-wins verdict out of
// REVIEW_FINDINGS.md. Phase 3 escalates to a narrowly-scoped committer
// agent if the loop still has open findings after its last round.
// Phase 4 re-runs the hard gates (hygiene, tests) and, on success,
// stores a worktree fingerprint for develop.pr_creation to verify.
//
// Grounded on the teacher's pkg/permissions glob-matching style
// (doublestar) for the hygiene checker's exclude patterns, and on
// pkg/workflow/expression's compile-and-cache evaluator (carried over
// here as internal/expreval) for the ppcommit gate expression. The
// phase structure itself and the verdict grammar are new — the
// teacher has no bounded reviewer/implementer escalation loop of its
// own to generalize from.
package reviewloop
