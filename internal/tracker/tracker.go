// Package tracker maintains run-level metrics and exports per-run and
// per-issue records to JSON reports and CSV summaries.
package tracker

import (
	"sync/atomic"
	"time"

	"github.com/forgeflow/forgeflow/pkg/models"
)

// RunTracker counts run-level events. All methods are safe for concurrent
// use; the hub, the executor, and the bridge all feed it.
type RunTracker struct {
	startedAt time.Time

	successes  atomic.Int64
	errors     atomic.Int64
	agentCalls atomic.Int64
	toolCalls  atomic.Int64
}

// NewRunTracker starts the run clock.
func NewRunTracker() *RunTracker {
	return &RunTracker{startedAt: time.Now().UTC()}
}

// StartedAt returns the run start time.
func (t *RunTracker) StartedAt() time.Time { return t.startedAt }

// RecordSuccess counts a successfully completed issue.
func (t *RunTracker) RecordSuccess() { t.successes.Add(1) }

// RecordError counts a failed phase attempt or issue.
func (t *RunTracker) RecordError() { t.errors.Add(1) }

// RecordAgentCall counts an agent invocation.
func (t *RunTracker) RecordAgentCall() { t.agentCalls.Add(1) }

// RecordToolCall counts a tool bridge dispatch.
func (t *RunTracker) RecordToolCall() { t.toolCalls.Add(1) }

// Snapshot returns the current counters as checkpoint metrics.
func (t *RunTracker) Snapshot() models.RunMetrics {
	return models.RunMetrics{
		Successes:       t.successes.Load(),
		Errors:          t.errors.Load(),
		AgentCalls:      t.agentCalls.Load(),
		ToolCalls:       t.toolCalls.Load(),
		DurationSeconds: time.Since(t.startedAt).Seconds(),
	}
}

// Seed restores counters from a checkpoint on resume. The run clock is
// backdated so the exported duration keeps accumulating.
func (t *RunTracker) Seed(m models.RunMetrics) {
	t.successes.Store(m.Successes)
	t.errors.Store(m.Errors)
	t.agentCalls.Store(m.AgentCalls)
	t.toolCalls.Store(m.ToolCalls)
	if m.DurationSeconds > 0 {
		t.startedAt = time.Now().UTC().Add(-time.Duration(m.DurationSeconds * float64(time.Second)))
	}
}
