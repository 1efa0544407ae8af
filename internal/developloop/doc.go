// Package developloop implements the develop loop supervisor (§4.H):
// issue discovery and dependency-ordered scheduling, the per-issue
// six-step pipeline, and the main/retry/coalesce passes that turn a
// batch of issues into a batch of pull requests.
//
// Grounded on the teacher's pkg/workflow.loop.go (do-while iteration,
// termination-reason bookkeeping, structured slog logging of each
// pass) generalized from "one workflow's internal retry loop" to
// "schedule N independent issues, each running its own workflow,
// across three coordinated passes" — a scheduling shape the teacher
// itself doesn't have, since conductor workflows don't model
// cross-run dependency graphs. The multi-issue queue, topological
// sort, and coalesce pass are new to this domain; the per-pass
// logging, history bookkeeping, and condition-driven termination are
// carried over from loop.go's style.
package developloop
