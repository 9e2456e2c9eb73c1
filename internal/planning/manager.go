// Package planning owns the plan document lifecycle: driving the planning
// agent with retries, loading docs/ORCH_PLAN.json from the repository, and
// ordering the issue backlog for implementation.
package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgeflow/forgeflow/internal/bridge"
	"github.com/forgeflow/forgeflow/internal/retry"
	"github.com/forgeflow/forgeflow/pkg/models"
)

// PlanPath is where the planning agent commits the machine-readable plan.
const PlanPath = "docs/ORCH_PLAN.json"

// planSchema validates the structural shape of ORCH_PLAN.json before the
// semantic checks in models.Plan.Validate run.
const planSchema = `{
	"type": "object",
	"properties": {
		"projectName": {"type": "string"},
		"implementationOrder": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"issueId":      {"type": "integer", "minimum": 1},
					"priority":     {"type": "string"},
					"dependencies": {"type": "array", "items": {"type": "integer"}},
					"rationale":    {"type": "string"}
				},
				"required": ["issueId"]
			}
		},
		"techStack":    {"type": "object"},
		"architecture": {"type": "object"}
	},
	"required": ["implementationOrder"]
}`

// ToolRunner is the slice of the bridge client the manager needs.
type ToolRunner interface {
	RunTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// RunFunc invokes the planning agent once and reports whether its output
// carried the positive completion marker.
type RunFunc func(ctx context.Context, applyChanges bool) (bool, error)

// Manager holds the current plan, in both raw text form (for agent context)
// and parsed form (for prioritization).
type Manager struct {
	tools  ToolRunner
	logger *slog.Logger
	schema *jsonschema.Schema

	mu       sync.RWMutex
	planText string
	plan     *models.Plan
}

// NewManager creates a planning manager.
func NewManager(tools ToolRunner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	schema := jsonschema.MustCompileString("orch_plan.json", planSchema)
	return &Manager{
		tools:  tools,
		logger: logger.With("component", "planning"),
		schema: schema,
	}
}

// ExecutePlanningWithRetry runs the planning agent, retrying failures up to
// three times with delays of 5s, 10s, and 20s. Returns true once an attempt
// reports success.
func (m *Manager) ExecutePlanningWithRetry(ctx context.Context, run RunFunc, applyChanges bool) bool {
	cfg := retry.Schedule(5*time.Second, 10*time.Second, 20*time.Second)

	result := retry.WithAttemptNumber(ctx, cfg, func(attempt int) error {
		m.logger.Info("planning attempt", "attempt", attempt, "apply", applyChanges)
		ok, err := run(ctx, applyChanges)
		if err != nil {
			return fmt.Errorf("planning attempt %d: %w", attempt, err)
		}
		if !ok {
			return fmt.Errorf("planning attempt %d: agent did not signal completion", attempt)
		}
		return nil
	})
	if result.Err != nil {
		m.logger.Error("planning failed after retries", "attempts", result.Attempts, "error", result.Err)
		return false
	}
	return true
}

// StorePlan retains the raw planning text passed to later agents as context.
func (m *Manager) StorePlan(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planText = text
}

// PlanText returns the stored raw planning text.
func (m *Manager) PlanText() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.planText
}

// Plan returns the parsed plan, or nil if none was loaded.
func (m *Manager) Plan() *models.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// SetPlan seeds the parsed plan, used on checkpoint restore.
func (m *Manager) SetPlan(plan *models.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan = plan
}

// LoadPlanFromRepo fetches docs/ORCH_PLAN.json at the given ref, validates
// it, and stores the parsed plan. Returns false without mutating state on
// any failure.
func (m *Manager) LoadPlanFromRepo(ctx context.Context, projectID, ref string) bool {
	result, err := m.tools.RunTool(ctx, bridge.ToolGetFileContents, map[string]any{
		"project_id": projectID,
		"file_path":  PlanPath,
		"ref":        ref,
	})
	if err != nil {
		m.logger.Warn("plan file not readable", "path", PlanPath, "ref", ref, "error", err)
		return false
	}

	plan, err := m.parsePlan(result)
	if err != nil {
		m.logger.Warn("plan file rejected", "path", PlanPath, "error", err)
		return false
	}

	m.mu.Lock()
	m.plan = plan
	m.mu.Unlock()

	m.logger.Info("loaded plan from repo",
		"project", plan.ProjectName,
		"steps", len(plan.ImplementationOrder))
	return true
}

func (m *Manager) parsePlan(raw string) (*models.Plan, error) {
	raw = strings.TrimSpace(raw)

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := m.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &plan, nil
}
