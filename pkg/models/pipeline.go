package models

import "time"

// PipelineStatus is the CI pipeline status vocabulary of the remote API.
type PipelineStatus string

const (
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
	PipelineSkipped  PipelineStatus = "skipped"
	PipelineManual   PipelineStatus = "manual"
	PipelineUnknown  PipelineStatus = "unknown"
)

// Terminal reports whether the status is a final state.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped:
		return true
	}
	return false
}

// PipelineAttempt records one CI pipeline observed during an agent phase.
// A pipeline is owned by exactly one agent invocation.
type PipelineAttempt struct {
	PipelineID int64          `json:"pipeline_id"`
	Branch     string         `json:"branch"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     PipelineStatus `json:"status"`
	Jobs       []PipelineJob  `json:"jobs,omitempty"`
}

// PipelineJob is one job within a pipeline attempt.
type PipelineJob struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}
