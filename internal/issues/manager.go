// Package issues tracks the work items the orchestrator drives to
// completion. Completion is defined against the remote: an issue is done iff
// a merged merge request exists for its feature branch, regardless of the
// issue's own state.
package issues

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/forgeflow/forgeflow/internal/bridge"
	"github.com/forgeflow/forgeflow/pkg/models"
)

// ToolRunner is the slice of the bridge client the manager needs.
type ToolRunner interface {
	RunTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Manager fetches issues through the tool bridge and tracks per-run
// completed/failed sets in memory.
type Manager struct {
	tools     ToolRunner
	logger    *slog.Logger
	projectID string

	mu        sync.Mutex
	completed map[int]struct{}
	failed    map[int]struct{}
}

// NewManager creates an issue manager for one project.
func NewManager(tools ToolRunner, logger *slog.Logger, projectID string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tools:     tools,
		logger:    logger.With("component", "issues"),
		projectID: projectID,
		completed: make(map[int]struct{}),
		failed:    make(map[int]struct{}),
	}
}

// FetchOpenIssues lists the project's open issues, deduplicated by iid and
// sorted ascending.
func (m *Manager) FetchOpenIssues(ctx context.Context) ([]models.Issue, error) {
	result, err := m.tools.RunTool(ctx, bridge.ToolListIssues, map[string]any{
		"project_id": m.projectID,
		"state":      "opened",
	})
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	var raw []models.Issue
	if err := json.Unmarshal([]byte(result), &raw); err != nil {
		return nil, fmt.Errorf("parse issues: %w", err)
	}

	seen := make(map[int]struct{}, len(raw))
	issues := make([]models.Issue, 0, len(raw))
	for _, issue := range raw {
		if _, dup := seen[issue.IID]; dup {
			continue
		}
		seen[issue.IID] = struct{}{}
		issues = append(issues, issue)
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].IID < issues[j].IID })

	m.logger.Info("fetched open issues", "count", len(issues))
	return issues, nil
}

// FeatureBranch returns the deterministic work branch for an issue.
func (m *Manager) FeatureBranch(issue models.Issue) string {
	return issue.FeatureBranch()
}

// IsCompleted reports whether a merged merge request exists for the issue's
// feature branch. This is the authoritative completion check.
func (m *Manager) IsCompleted(ctx context.Context, issue models.Issue) (bool, error) {
	result, err := m.tools.RunTool(ctx, bridge.ToolListMergeRequests, map[string]any{
		"project_id":    m.projectID,
		"source_branch": issue.FeatureBranch(),
		"state":         "merged",
	})
	if err != nil {
		return false, fmt.Errorf("list merge requests for issue %d: %w", issue.IID, err)
	}

	var mrs []json.RawMessage
	if err := json.Unmarshal([]byte(result), &mrs); err != nil {
		return false, fmt.Errorf("parse merge requests for issue %d: %w", issue.IID, err)
	}
	return len(mrs) > 0, nil
}

// TrackCompleted records an issue as completed for this run.
func (m *Manager) TrackCompleted(issue models.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[issue.IID] = struct{}{}
	delete(m.failed, issue.IID)
}

// TrackFailed records an issue as failed for this run. A later completion
// overrides the failure, not the other way round.
func (m *Manager) TrackFailed(issue models.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.completed[issue.IID]; done {
		return
	}
	m.failed[issue.IID] = struct{}{}
}

// Completed returns the tracked completed iids in ascending order.
func (m *Manager) Completed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.completed)
}

// Failed returns the tracked failed iids in ascending order.
func (m *Manager) Failed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.failed)
}

// Seed restores the tracked sets from a checkpoint.
func (m *Manager) Seed(completed, failed []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, iid := range completed {
		m.completed[iid] = struct{}{}
	}
	for _, iid := range failed {
		if _, done := m.completed[iid]; !done {
			m.failed[iid] = struct{}{}
		}
	}
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for iid := range set {
		out = append(out, iid)
	}
	sort.Ints(out)
	return out
}
