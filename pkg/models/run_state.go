package models

import (
	"sort"
	"time"
)

// RunState is the checkpointed supervisor state. It is written atomically at
// stage boundaries and is the sole input to --resume.
type RunState struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	StartedAt time.Time `json:"started_at"`

	// Stage is the checkpoint label of the last completed boundary, e.g.
	// "after_planning" or "after_issue_7_completed".
	Stage string `json:"stage"`

	// CompletedIssues and FailedIssues are the terminal outcome sets,
	// serialized as sorted slices for stable JSON.
	CompletedIssues []int `json:"completed_issues"`
	FailedIssues    []int `json:"failed_issues"`

	Plan     *Plan      `json:"plan,omitempty"`
	PlanText string     `json:"plan_text,omitempty"`
	Metrics  RunMetrics `json:"metrics"`
}

// RunMetrics are the run-level counters carried in checkpoints and exported
// to CSV. Live counting happens in the tracker; this is the snapshot form.
type RunMetrics struct {
	Successes  int64 `json:"successes"`
	Errors     int64 `json:"errors"`
	AgentCalls int64 `json:"agent_calls"`
	ToolCalls  int64 `json:"tool_calls"`

	// DurationSeconds is total wall time at snapshot.
	DurationSeconds float64 `json:"duration_seconds"`
}

// HasIssue reports whether iid is present in the given set slice.
func HasIssue(set []int, iid int) bool {
	for _, v := range set {
		if v == iid {
			return true
		}
	}
	return false
}

// AddIssue inserts iid into the set slice keeping it sorted and deduped.
func AddIssue(set []int, iid int) []int {
	if HasIssue(set, iid) {
		return set
	}
	set = append(set, iid)
	sort.Ints(set)
	return set
}
