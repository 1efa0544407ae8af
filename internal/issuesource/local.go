// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package issuesource provides developloop.IssueLister implementations.
// Hosted tracker integrations (GitHub, GitLab, Linear) are out of
// scope; this package covers the one built-in source, a local JSON
// manifest, which is also what a tracker adapter would resolve down
// to before handing issues to the develop loop.
package issuesource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kilnrun/coder/internal/developloop"
	"github.com/kilnrun/coder/internal/model"
)

// Local reads a fixed JSON file of issues, specified by
// developloop.IssueFilter.LocalManifest.
type Local struct{}

// manifestEntry mirrors model.Issue's fields, defaulting Source to
// "local" and DependsOn to nil when omitted.
type manifestEntry struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	RepoPath   string   `json:"repoPath,omitempty"`
	Difficulty int      `json:"difficulty,omitempty"`
	DependsOn  []string `json:"dependsOn,omitempty"`
}

// ListIssues implements developloop.IssueLister by reading and
// parsing filter.LocalManifest. ProjectFilter and ForcedIDs, if set,
// narrow the result to matching RepoPath/ID values.
func (Local) ListIssues(ctx context.Context, filter developloop.IssueFilter) ([]model.Issue, error) {
	if filter.LocalManifest == "" {
		return nil, fmt.Errorf("issuesource: no local manifest configured")
	}

	data, err := os.ReadFile(filter.LocalManifest)
	if err != nil {
		return nil, fmt.Errorf("issuesource: read manifest: %w", err)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("issuesource: parse manifest: %w", err)
	}

	forced := make(map[string]bool, len(filter.ForcedIDs))
	for _, id := range filter.ForcedIDs {
		forced[id] = true
	}

	issues := make([]model.Issue, 0, len(entries))
	for _, e := range entries {
		if len(forced) > 0 && !forced[e.ID] {
			continue
		}
		if filter.ProjectFilter != "" && e.RepoPath != filter.ProjectFilter {
			continue
		}
		issues = append(issues, model.Issue{
			Source:     model.SourceLocal,
			ID:         e.ID,
			Title:      e.Title,
			RepoPath:   e.RepoPath,
			Difficulty: e.Difficulty,
			DependsOn:  e.DependsOn,
		})
	}

	return issues, nil
}
