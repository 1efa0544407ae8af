package developloop

import (
	"sort"

	"github.com/kilnrun/coder/internal/model"
)

// BuildQueue topologically sorts issues over dependsOn edges that
// point inside the set (§4.H step 2); edges pointing outside the set
// are ignored for ordering purposes. Issues that become ready together
// (the initial dependency-free set, or the dependents freed by one
// issue) are ordered by ascending difficulty, then by input order;
// newly freed issues queue behind those already ready.
//
// Cycles are detected but not fatal: every issue is still returned, in
// a best-effort order (topological prefix, then the cyclic remainder
// in input order). The cyclic issue keys are returned separately so
// the caller can log them.
func BuildQueue(issues []model.Issue) ([]model.QueuedIssue, []string) {
	inSet := make(map[string]bool, len(issues))
	for _, is := range issues {
		inSet[is.Key()] = true
	}

	byKey := make(map[string]model.Issue, len(issues))
	indegree := make(map[string]int, len(issues))
	dependents := make(map[string][]string)
	for _, is := range issues {
		byKey[is.Key()] = is
		indegree[is.Key()] = 0
	}
	for _, is := range issues {
		for _, dep := range is.DependsOn {
			if !inSet[dep] {
				continue
			}
			indegree[is.Key()]++
			dependents[dep] = append(dependents[dep], is.Key())
		}
	}

	byDifficulty := func(keys []string) {
		sort.SliceStable(keys, func(i, j int) bool {
			return byKey[keys[i]].Difficulty < byKey[keys[j]].Difficulty
		})
	}

	var ready []string
	for _, is := range issues {
		if indegree[is.Key()] == 0 {
			ready = append(ready, is.Key())
		}
	}
	byDifficulty(ready)

	visited := make(map[string]bool, len(issues))
	var order []string
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		if visited[key] {
			continue
		}
		visited[key] = true
		order = append(order, key)

		var freed []string
		for _, dependent := range dependents[key] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		byDifficulty(freed)
		ready = append(ready, freed...)
	}

	var cycles []string
	if len(order) < len(issues) {
		for _, is := range issues {
			if !visited[is.Key()] {
				cycles = append(cycles, is.Key())
			}
		}
		for _, is := range issues {
			if !visited[is.Key()] {
				order = append(order, is.Key())
				visited[is.Key()] = true
			}
		}
	}

	queue := make([]model.QueuedIssue, 0, len(order))
	for _, key := range order {
		queue = append(queue, model.QueuedIssue{
			Issue:   byKey[key],
			Outcome: model.IssueOutcome{Status: model.StatusPending},
		})
	}
	return queue, cycles
}

// CarryOverOutcomes copies outcomes from a prior run's queue onto a
// freshly built queue, matched by issue key, so an interrupted run
// resumes instead of reprocessing completed issues (§4.H step 3).
func CarryOverOutcomes(fresh []model.QueuedIssue, prior []model.QueuedIssue) []model.QueuedIssue {
	priorByKey := make(map[string]model.IssueOutcome, len(prior))
	for _, qi := range prior {
		priorByKey[qi.Issue.Key()] = qi.Outcome
	}
	for i := range fresh {
		if outcome, ok := priorByKey[fresh[i].Issue.Key()]; ok {
			fresh[i].Outcome = outcome
		}
	}
	return fresh
}
