package developloop

import (
	"testing"

	"github.com/kilnrun/coder/internal/model"
)

func TestInspectDeps_AnyPendingDefersIssue(t *testing.T) {
	s := &Supervisor{}
	queue := []model.QueuedIssue{
		{Issue: issue("a", 1), Outcome: model.IssueOutcome{Status: model.StatusPending}},
	}
	anyPending, allFailed := s.inspectDeps(issue("b", 1, "local:a"), queue)
	if !anyPending {
		t.Fatal("expected anyPending true when a dependency is still pending")
	}
	if allFailed {
		t.Fatal("expected allFailed false while a dependency is unresolved")
	}
}

func TestInspectDeps_AllFailedSkipsIssue(t *testing.T) {
	s := &Supervisor{}
	queue := []model.QueuedIssue{
		{Issue: issue("a", 1), Outcome: model.IssueOutcome{Status: model.StatusFailed}},
		{Issue: issue("c", 1), Outcome: model.IssueOutcome{Status: model.StatusSkipped}},
	}
	anyPending, allFailed := s.inspectDeps(issue("b", 1, "local:a", "local:c"), queue)
	if anyPending {
		t.Fatal("expected anyPending false once deps are resolved")
	}
	if !allFailed {
		t.Fatal("expected allFailed true when every resolved dep failed or was skipped")
	}
}

func TestInspectDeps_OneCompletedDepIsEnough(t *testing.T) {
	s := &Supervisor{}
	queue := []model.QueuedIssue{
		{Issue: issue("a", 1), Outcome: model.IssueOutcome{Status: model.StatusFailed}},
		{Issue: issue("c", 1), Outcome: model.IssueOutcome{Status: model.StatusCompleted, Branch: "issue/c"}},
	}
	anyPending, allFailed := s.inspectDeps(issue("b", 1, "local:a", "local:c"), queue)
	if anyPending || allFailed {
		t.Fatalf("expected issue to proceed when at least one dep completed, got anyPending=%v allFailed=%v", anyPending, allFailed)
	}
}

func TestResolveBaseBranch_PrefersFirstCompletedDepBranch(t *testing.T) {
	s := &Supervisor{}
	queue := []model.QueuedIssue{
		{Issue: issue("a", 1), Outcome: model.IssueOutcome{Status: model.StatusFailed}},
		{Issue: issue("c", 1), Outcome: model.IssueOutcome{Status: model.StatusCompleted, Branch: "issue/c"}},
	}
	base := s.resolveBaseBranch(issue("b", 1, "local:a", "local:c"), queue)
	if base != "issue/c" {
		t.Fatalf("expected issue/c as base branch, got %q", base)
	}
}
