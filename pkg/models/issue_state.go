package models

import "time"

// IssueStatus is the terminal classification of one issue within a run.
type IssueStatus string

const (
	IssueInProgress IssueStatus = "in_progress"
	IssueCompleted  IssueStatus = "completed"
	IssueFailed     IssueStatus = "failed"
	IssueSkipped    IssueStatus = "skipped"
)

// Phase names the per-issue agent phases. Planning is run-level and uses the
// synthetic "planning" entry.
type Phase string

const (
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseTesting  Phase = "testing"
	PhaseReview   Phase = "review"
)

// PhaseAttempts aggregates the attempts of one phase for one issue.
type PhaseAttempts struct {
	Count     int       `json:"count"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	Durations []float64 `json:"durations_seconds,omitempty"`
}

// IssueState is the per-issue tracker record. Exactly one is created per
// issue the supervisor considers (already-merged issues get a "skipped"
// record) and it is finalized with a terminal status before the next issue
// begins.
type IssueState struct {
	IID       int        `json:"iid"`
	Title     string     `json:"title,omitempty"`
	Branch    string     `json:"branch,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Attempts map[Phase]*PhaseAttempts `json:"attempts"`

	PipelineAttempts []PipelineAttempt `json:"pipeline_attempts,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
	Status           IssueStatus       `json:"status"`
}

// NewIssueState creates an in-progress state for the issue.
func NewIssueState(issue Issue, branch string) *IssueState {
	return &IssueState{
		IID:       issue.IID,
		Title:     issue.Title,
		Branch:    branch,
		StartedAt: time.Now().UTC(),
		Attempts:  make(map[Phase]*PhaseAttempts),
		Status:    IssueInProgress,
	}
}

// RecordAttempt appends one phase attempt outcome.
func (s *IssueState) RecordAttempt(phase Phase, ok bool, duration time.Duration) {
	pa := s.Attempts[phase]
	if pa == nil {
		pa = &PhaseAttempts{}
		s.Attempts[phase] = pa
	}
	pa.Count++
	if ok {
		pa.Successes++
	} else {
		pa.Failures++
	}
	pa.Durations = append(pa.Durations, duration.Seconds())
}

// DemoteAttempt reclassifies the latest attempt of a phase as a failure.
// Used when a gate rejects output that carried a positive completion marker.
func (s *IssueState) DemoteAttempt(phase Phase) {
	pa := s.Attempts[phase]
	if pa == nil || pa.Successes == 0 {
		return
	}
	pa.Successes--
	pa.Failures++
}

// RecordError appends an error message to the issue record.
func (s *IssueState) RecordError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// Finalize stamps the terminal status and end time.
func (s *IssueState) Finalize(status IssueStatus) {
	now := time.Now().UTC()
	s.EndedAt = &now
	s.Status = status
}

// Duration returns wall time from start to finalize (or to now if live).
func (s *IssueState) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
