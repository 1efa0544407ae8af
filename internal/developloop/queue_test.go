package developloop

import (
	"testing"

	"github.com/kilnrun/coder/internal/model"
)

func issue(id string, difficulty int, deps ...string) model.Issue {
	return model.Issue{Source: model.SourceLocal, ID: id, Title: id, Difficulty: difficulty, DependsOn: deps}
}

func TestBuildQueue_OrdersByDependency(t *testing.T) {
	issues := []model.Issue{
		issue("b", 1, "local:a"),
		issue("a", 1),
	}
	queue, cycles := BuildQueue(issues)
	if len(cycles) != 0 {
		t.Fatalf("expected no cycles, got %v", cycles)
	}
	if queue[0].Issue.ID != "a" || queue[1].Issue.ID != "b" {
		t.Fatalf("expected a before b, got %v, %v", queue[0].Issue.ID, queue[1].Issue.ID)
	}
	for _, qi := range queue {
		if qi.Outcome.Status != model.StatusPending {
			t.Fatalf("expected pending outcome, got %v", qi.Outcome.Status)
		}
	}
}

func TestBuildQueue_FallsBackToDifficultyWhenNoDeps(t *testing.T) {
	issues := []model.Issue{
		issue("hard", 5),
		issue("easy", 1),
		issue("medium", 3),
	}
	queue, _ := BuildQueue(issues)
	if queue[0].Issue.ID != "easy" || queue[1].Issue.ID != "medium" || queue[2].Issue.ID != "hard" {
		t.Fatalf("expected ascending difficulty order, got %v, %v, %v",
			queue[0].Issue.ID, queue[1].Issue.ID, queue[2].Issue.ID)
	}
}

func TestBuildQueue_IgnoresEdgesPointingOutsideSet(t *testing.T) {
	issues := []model.Issue{
		issue("a", 1, "local:nonexistent"),
	}
	queue, cycles := BuildQueue(issues)
	if len(cycles) != 0 {
		t.Fatalf("expected no cycles, got %v", cycles)
	}
	if len(queue) != 1 || queue[0].Issue.ID != "a" {
		t.Fatalf("expected issue a to be schedulable despite dangling dep, got %v", queue)
	}
}

func TestBuildQueue_DetectsCycleNonFatal(t *testing.T) {
	issues := []model.Issue{
		issue("a", 1, "local:b"),
		issue("b", 1, "local:a"),
	}
	queue, cycles := BuildQueue(issues)
	if len(cycles) != 2 {
		t.Fatalf("expected both cyclic issues reported, got %v", cycles)
	}
	if len(queue) != 2 {
		t.Fatalf("expected both issues still included despite cycle, got %v", queue)
	}
}

func TestCarryOverOutcomes_MatchesByKey(t *testing.T) {
	fresh, _ := BuildQueue([]model.Issue{issue("a", 1), issue("b", 1)})
	prior := []model.QueuedIssue{
		{Issue: issue("a", 1), Outcome: model.IssueOutcome{Status: model.StatusCompleted, Branch: "issue/a"}},
	}

	merged := CarryOverOutcomes(fresh, prior)
	for _, qi := range merged {
		if qi.Issue.ID == "a" {
			if qi.Outcome.Status != model.StatusCompleted || qi.Outcome.Branch != "issue/a" {
				t.Fatalf("expected carried-over outcome for a, got %+v", qi.Outcome)
			}
		}
		if qi.Issue.ID == "b" && qi.Outcome.Status != model.StatusPending {
			t.Fatalf("expected fresh pending outcome for b, got %+v", qi.Outcome)
		}
	}
}
