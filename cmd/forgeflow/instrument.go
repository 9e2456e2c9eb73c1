package main

import (
	"context"
	"time"

	"github.com/forgeflow/forgeflow/internal/bridge"
	"github.com/forgeflow/forgeflow/internal/checkpoint"
	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/executor"
	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/observability"
	"github.com/forgeflow/forgeflow/internal/tracker"
	"github.com/forgeflow/forgeflow/pkg/models"
)

// toolCallHook feeds the runner's tool dispatches into the run tracker so the
// checkpointed tool_calls counter matches the prometheus one.
func toolCallHook(rt *tracker.RunTracker) func(string) {
	return func(string) { rt.RecordToolCall() }
}

// meteredTools wraps the bridge client with per-call metrics and spans.
type meteredTools struct {
	client  *bridge.Client
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (m *meteredTools) RunTool(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, span := m.tracer.TraceToolCall(ctx, name)
	defer span.End()

	start := time.Now()
	out, err := m.client.RunTool(ctx, name, args)

	status := "success"
	if err != nil {
		status = "error"
		m.tracer.RecordError(span, err)
	}
	m.metrics.RecordToolCall(name, status, time.Since(start).Seconds())
	return out, err
}

// meteredExecutor wraps the executor with per-phase metrics and spans.
type meteredExecutor struct {
	*executor.Executor
	runtime *config.Runtime
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (m *meteredExecutor) ExecutePlanning(ctx context.Context, apply bool) (bool, error) {
	ctx, span := m.tracer.TraceAgentPhase(ctx, string(models.PhasePlanning), executor.PlanningMergeIID)
	defer span.End()

	start := time.Now()
	ok, err := m.Executor.ExecutePlanning(ctx, apply)

	status := "success"
	switch {
	case err != nil:
		status = "error"
		m.tracer.RecordError(span, err)
	case !ok:
		status = "failure"
	}
	m.record(string(models.PhasePlanning), status, start)
	return ok, err
}

func (m *meteredExecutor) ExecuteCoding(ctx context.Context, issue models.Issue, branch string) bool {
	return m.phase(ctx, models.PhaseCoding, issue, m.Executor.ExecuteCoding, branch)
}

func (m *meteredExecutor) ExecuteTesting(ctx context.Context, issue models.Issue, branch string) bool {
	return m.phase(ctx, models.PhaseTesting, issue, m.Executor.ExecuteTesting, branch)
}

func (m *meteredExecutor) ExecuteReview(ctx context.Context, issue models.Issue, branch string) bool {
	return m.phase(ctx, models.PhaseReview, issue, m.Executor.ExecuteReview, branch)
}

func (m *meteredExecutor) phase(ctx context.Context, phase models.Phase, issue models.Issue,
	run func(context.Context, models.Issue, string) bool, branch string) bool {
	ctx, span := m.tracer.TraceAgentPhase(ctx, string(phase), issue.IID)
	defer span.End()

	start := time.Now()
	ok := run(ctx, issue, branch)

	status := "success"
	if !ok {
		status = "failure"
	}
	m.record(string(phase), status, start)
	return ok
}

func (m *meteredExecutor) record(phase, status string, start time.Time) {
	llmCfg := m.runtime.Snapshot().LLM
	m.metrics.RecordAgentInvocation(phase, llmCfg.Provider, llmCfg.Model, status, time.Since(start).Seconds())
}

// meteredCheckpoints counts checkpoint save outcomes.
type meteredCheckpoints struct {
	*checkpoint.Manager
	metrics *observability.Metrics
}

func (m *meteredCheckpoints) Save(state *models.RunState, label string) error {
	err := m.Manager.Save(state, label)
	m.metrics.RecordCheckpoint(err)
	return err
}

// meteredExporter counts finalized issue outcomes.
type meteredExporter struct {
	*tracker.Exporter
	metrics *observability.Metrics
}

func (m *meteredExporter) AppendIssue(state *models.IssueState) error {
	m.metrics.RecordIssueOutcome(string(state.Status))
	return m.Exporter.AppendIssue(state)
}

// meteredProvider records token usage from stream completions.
type meteredProvider struct {
	llm.Provider
	metrics *observability.Metrics
}

func (p *meteredProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	inner, err := p.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan *llm.Chunk)
	go func() {
		defer close(out)
		for chunk := range inner {
			if chunk.Done {
				p.metrics.RecordTokens(p.Provider.Name(), req.Model,
					int64(chunk.InputTokens), int64(chunk.OutputTokens))
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Keep consuming so the provider's sender can finish.
				for range inner {
				}
				return
			}
		}
	}()
	return out, nil
}
