// Package supervisor drives a full orchestration run: planning, planning
// merge, backlog preparation, and the per-issue implementation loop. It is
// the only component that owns control flow; phase work is delegated to the
// executor and state is persisted through the checkpoint manager.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeflow/forgeflow/internal/bridge"
	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/executor"
	"github.com/forgeflow/forgeflow/internal/planning"
	"github.com/forgeflow/forgeflow/internal/retry"
	"github.com/forgeflow/forgeflow/internal/tracker"
	"github.com/forgeflow/forgeflow/pkg/models"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StatePlanning     State = "planning"
	StatePreparation  State = "preparation"
	StateImplementing State = "implementing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Mode selects how far a run goes.
type Mode string

const (
	// ModeAnalyze stops after planning; no changes are applied.
	ModeAnalyze Mode = "analyze"
	// ModeImplement runs the full implementation loop.
	ModeImplement Mode = "implement"
)

// planningBranchPrefix marks the branch the planning agent commits its
// structure to.
const planningBranchPrefix = "planning-structure"

// errAttemptFailed is the internal retry signal for a failed issue attempt.
var errAttemptFailed = errors.New("attempt failed")

// Options configure one run.
type Options struct {
	Mode          Mode
	ProjectID     string
	RunID         string
	SpecificIssue int
	Resume        bool
	DefaultBranch string
}

// Result summarizes a finished run for the CLI's exit-code decision.
type Result struct {
	State           State
	CompletedIssues []int
	FailedIssues    []int
	Canceled        bool
	Reason          string
}

// phaseExecutor is the executor surface the supervisor drives.
type phaseExecutor interface {
	ExecutePlanning(ctx context.Context, apply bool) (bool, error)
	ExecuteCoding(ctx context.Context, issue models.Issue, branch string) bool
	ExecuteTesting(ctx context.Context, issue models.Issue, branch string) bool
	ExecuteReview(ctx context.Context, issue models.Issue, branch string) bool
	BeginIssue(state *models.IssueState)
	CurrentPlan() string
	SetCurrentPlan(plan string)
}

// issueManager is the issue-tracking surface the supervisor drives.
type issueManager interface {
	FetchOpenIssues(ctx context.Context) ([]models.Issue, error)
	FeatureBranch(issue models.Issue) string
	IsCompleted(ctx context.Context, issue models.Issue) (bool, error)
	TrackCompleted(issue models.Issue)
	TrackFailed(issue models.Issue)
	Completed() []int
	Failed() []int
	Seed(completed, failed []int)
}

// planManager is the planning surface the supervisor drives.
type planManager interface {
	ExecutePlanningWithRetry(ctx context.Context, run planning.RunFunc, applyChanges bool) bool
	LoadPlanFromRepo(ctx context.Context, projectID, ref string) bool
	Plan() *models.Plan
	PlanText() string
	StorePlan(text string)
	SetPlan(plan *models.Plan)
}

// checkpointStore persists run state at boundaries.
type checkpointStore interface {
	Save(state *models.RunState, label string) error
	Load() (*models.RunState, error)
	Exists() bool
}

// toolRunner is the direct bridge access for PHASE 1.5 branch discovery.
type toolRunner interface {
	RunTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// EventSink receives run events for the WebSocket hub. May be nil.
type EventSink interface {
	Publish(event models.Event)
}

// Exporter writes tracker artifacts. Satisfied by *tracker.Exporter.
type Exporter interface {
	WriteIssueMetrics(state *models.IssueState) error
	WriteIssueReport(state *models.IssueState) error
	AppendIssue(state *models.IssueState) error
	AppendRun(state *models.RunState) error
}

// Supervisor owns one run's control flow.
type Supervisor struct {
	opts     Options
	cfg      config.SupervisorConfig
	logger   *slog.Logger
	executor phaseExecutor
	issues   issueManager
	planner  planManager
	ckpt     checkpointStore
	tools    toolRunner
	metrics  *tracker.RunTracker
	exporter Exporter
	sink     EventSink

	state     State
	startedAt time.Time
}

// New wires a supervisor from its collaborators.
func New(opts Options, cfg config.SupervisorConfig, logger *slog.Logger,
	exec phaseExecutor, issues issueManager, planner planManager,
	ckpt checkpointStore, tools toolRunner, metrics *tracker.RunTracker,
	exporter Exporter, sink EventSink) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if opts.Mode == "" {
		opts.Mode = ModeImplement
	}
	return &Supervisor{
		opts:     opts,
		cfg:      cfg,
		logger:   logger.With("component", "supervisor", "run_id", opts.RunID),
		executor: exec,
		issues:   issues,
		planner:  planner,
		ckpt:     ckpt,
		tools:    tools,
		metrics:  metrics,
		exporter: exporter,
		sink:     sink,
		state:    StateInitializing,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return s.state }

// Execute runs the full state machine. Per-issue failures never abort the
// run; only planning failure, a dead tool bridge, checkpoint write failure,
// or cancellation do.
func (s *Supervisor) Execute(ctx context.Context) (*Result, error) {
	s.startedAt = time.Now().UTC()
	s.setState(StateInitializing, "run starting")

	resumed, err := s.restore()
	if err != nil {
		return s.fail("checkpoint restore failed"), err
	}

	// PHASE 1 — Planning.
	if !resumed {
		s.setState(StatePlanning, "planning phase")
		apply := s.opts.Mode == ModeImplement
		ok := s.planner.ExecutePlanningWithRetry(ctx, func(ctx context.Context, applyChanges bool) (bool, error) {
			ok, err := s.executor.ExecutePlanning(ctx, applyChanges)
			if ok {
				s.planner.StorePlan(s.executor.CurrentPlan())
			}
			return ok, err
		}, apply)
		if !ok {
			if ctx.Err() != nil {
				return s.canceled(), ctx.Err()
			}
			return s.fail("planning failed"), errors.New("planning failed")
		}
		if err := s.checkpoint("after_planning"); err != nil {
			return s.fail("checkpoint write failed"), err
		}
	}

	if s.opts.Mode == ModeAnalyze {
		s.setState(StateCompleted, "analysis complete")
		s.logger.Info("analysis complete", "plan_chars", len(s.planner.PlanText()))
		return s.finish(), nil
	}

	// PHASE 1.5 — Planning merge.
	if !resumed {
		s.mergePlanningStructure(ctx)
	}

	// PHASE 2 — Preparation.
	s.setState(StatePreparation, "preparing backlog")
	backlog, err := s.prepareBacklog(ctx)
	if err != nil {
		if errors.Is(err, bridge.ErrConnectionLost) || ctx.Err() != nil {
			if ctx.Err() != nil {
				return s.canceled(), ctx.Err()
			}
			return s.fail("tool bridge lost"), err
		}
		return s.fail("backlog preparation failed"), err
	}
	if err := s.checkpoint("before_implementation"); err != nil {
		return s.fail("checkpoint write failed"), err
	}

	// PHASE 3 — Implementation.
	s.setState(StateImplementing, fmt.Sprintf("%d issues queued", len(backlog)))
	for i, issue := range backlog {
		if ctx.Err() != nil {
			return s.canceled(), ctx.Err()
		}

		outcome, err := s.runIssue(ctx, issue)
		if err != nil {
			if ctx.Err() != nil {
				// The in-progress issue is already finalized as failed;
				// --resume restarts it from the top.
				s.checkpoint(fmt.Sprintf("after_issue_%d_%s", issue.IID, outcome))
				return s.canceled(), ctx.Err()
			}
			if errors.Is(err, bridge.ErrConnectionLost) {
				return s.fail("tool bridge lost"), err
			}
		}
		if err := s.checkpoint(fmt.Sprintf("after_issue_%d_%s", issue.IID, outcome)); err != nil {
			return s.fail("checkpoint write failed"), err
		}

		if outcome != models.IssueSkipped && i < len(backlog)-1 {
			if !s.coolDown(ctx) {
				return s.canceled(), ctx.Err()
			}
		}
	}

	s.setState(StateCompleted, "run complete")
	if err := s.checkpoint("final"); err != nil {
		return s.fail("checkpoint write failed"), err
	}
	s.exportRun()
	s.logSummary()
	return s.finish(), nil
}

// restore loads checkpoint state when resuming. Returns true when a
// checkpoint was applied, which also skips the planning phases.
func (s *Supervisor) restore() (bool, error) {
	if !s.opts.Resume || !s.ckpt.Exists() {
		return false, nil
	}
	state, err := s.ckpt.Load()
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	s.issues.Seed(state.CompletedIssues, state.FailedIssues)
	if s.metrics != nil {
		s.metrics.Seed(state.Metrics)
	}
	if state.Plan != nil {
		s.planner.SetPlan(state.Plan)
	}
	if state.PlanText != "" {
		s.planner.StorePlan(state.PlanText)
		s.executor.SetCurrentPlan(state.PlanText)
	}

	s.logger.Info("resumed from checkpoint",
		"stage", state.Stage,
		"completed", len(state.CompletedIssues),
		"failed", len(state.FailedIssues))
	return true, nil
}

// mergePlanningStructure reviews and merges the planning-structure branch,
// then loads the committed plan. Failures are not fatal; prioritization
// falls back to issue metadata.
func (s *Supervisor) mergePlanningStructure(ctx context.Context) {
	branch, err := s.findPlanningBranch(ctx)
	if err != nil {
		s.logger.Warn("planning branch lookup failed", "error", err)
		return
	}
	if branch == "" {
		s.logger.Info("no planning-structure branch; skipping planning merge")
		return
	}

	planningIssue := executor.PlanningMergeIssue()
	state := models.NewIssueState(planningIssue, branch)
	s.executor.BeginIssue(state)

	if s.executor.ExecuteReview(ctx, planningIssue, branch) {
		if !s.planner.LoadPlanFromRepo(ctx, s.opts.ProjectID, s.opts.DefaultBranch) {
			s.logger.Warn("planning merge succeeded but plan not loadable; using fallback prioritization")
		}
	} else {
		s.logger.Warn("planning merge failed; using fallback prioritization", "branch", branch)
	}
}

func (s *Supervisor) findPlanningBranch(ctx context.Context) (string, error) {
	result, err := s.tools.RunTool(ctx, bridge.ToolListBranches, map[string]any{
		"project_id": s.opts.ProjectID,
	})
	if err != nil {
		return "", err
	}

	var branches []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(result), &branches); err != nil {
		return "", fmt.Errorf("parse branches: %w", err)
	}
	for _, b := range branches {
		if strings.HasPrefix(b.Name, planningBranchPrefix) {
			return b.Name, nil
		}
	}
	return "", nil
}

// prepareBacklog fetches open issues and orders them. Issues already in the
// in-memory completed set (checkpoint restore) are filtered here; the
// authoritative merged-MR check happens per issue in the implementation
// loop so skips are still recorded.
func (s *Supervisor) prepareBacklog(ctx context.Context) ([]models.Issue, error) {
	open, err := s.issues.FetchOpenIssues(ctx)
	if err != nil {
		return nil, err
	}

	completed := s.issues.Completed()
	ordered := planning.ApplyPrioritization(open, s.planner.Plan(), func(issue models.Issue) bool {
		return models.HasIssue(completed, issue.IID)
	})

	if s.opts.SpecificIssue > 0 {
		filtered := ordered[:0]
		for _, issue := range ordered {
			if issue.IID == s.opts.SpecificIssue {
				filtered = append(filtered, issue)
			}
		}
		ordered = filtered
	}

	s.logger.Info("backlog prepared", "open", len(open), "queued", len(ordered))
	return ordered, nil
}

// runIssue drives one issue through the retry loop and finalizes its state.
// The returned error is non-nil only for run-fatal conditions (bridge lost,
// cancellation); ordinary failures are absorbed into the outcome.
func (s *Supervisor) runIssue(ctx context.Context, issue models.Issue) (models.IssueStatus, error) {
	branch := s.issues.FeatureBranch(issue)

	done, err := s.issues.IsCompleted(ctx, issue)
	if err != nil {
		if errors.Is(err, bridge.ErrConnectionLost) || ctx.Err() != nil {
			return models.IssueFailed, err
		}
		s.logger.Warn("completion check failed; implementing anyway", "issue", issue.IID, "error", err)
	}
	if done {
		state := models.NewIssueState(issue, branch)
		state.Finalize(models.IssueSkipped)
		s.issues.TrackCompleted(issue)
		s.exportIssue(state)
		s.publishPipeline(models.PhaseReview, "completed", fmt.Sprintf("issue %d already merged", issue.IID))
		s.logger.Info("issue already merged, skipping", "issue", issue.IID, "branch", branch)
		return models.IssueSkipped, nil
	}

	state := models.NewIssueState(issue, branch)
	s.executor.BeginIssue(state)
	s.logger.Info("starting issue", "issue", issue.IID, "title", issue.Title, "branch", branch)

	retryCfg := retry.Arithmetic(s.cfg.MaxRetries, s.cfg.RetryBaseDelay)
	result := retry.WithAttemptNumber(ctx, retryCfg, func(attempt int) error {
		s.logger.Info("issue attempt", "issue", issue.IID, "attempt", attempt)
		defer s.exportIssueMetrics(state)

		s.publishPipeline(models.PhaseCoding, "running", fmt.Sprintf("issue %d attempt %d", issue.IID, attempt))
		if !s.executor.ExecuteCoding(ctx, issue, branch) {
			s.publishPipeline(models.PhaseCoding, "failed", "")
			return errAttemptFailed
		}
		s.publishPipeline(models.PhaseCoding, "completed", "")

		// Testing failure does not abort the attempt: the review agent is
		// the final authority on mergeability.
		s.publishPipeline(models.PhaseTesting, "running", "")
		if !s.executor.ExecuteTesting(ctx, issue, branch) {
			s.publishPipeline(models.PhaseTesting, "failed", "")
			s.logger.Warn("testing failed; proceeding to review", "issue", issue.IID)
		} else {
			s.publishPipeline(models.PhaseTesting, "completed", "")
		}

		s.publishPipeline(models.PhaseReview, "running", "")
		if !s.executor.ExecuteReview(ctx, issue, branch) {
			s.publishPipeline(models.PhaseReview, "failed", "")
			return errAttemptFailed
		}
		s.publishPipeline(models.PhaseReview, "completed", "")
		return nil
	})

	if result.Err == nil {
		state.Finalize(models.IssueCompleted)
		s.issues.TrackCompleted(issue)
		if s.metrics != nil {
			s.metrics.RecordSuccess()
		}
		s.exportIssue(state)
		s.logger.Info("issue completed", "issue", issue.IID)
		return models.IssueCompleted, nil
	}

	if ctx.Err() != nil {
		state.RecordError("canceled")
	}
	state.Finalize(models.IssueFailed)
	s.issues.TrackFailed(issue)
	s.exportIssue(state)
	s.logger.Warn("issue failed", "issue", issue.IID, "attempts", result.Attempts, "error", result.Err)

	if errors.Is(result.Err, bridge.ErrConnectionLost) || ctx.Err() != nil {
		return models.IssueFailed, result.Err
	}
	return models.IssueFailed, nil
}

func (s *Supervisor) coolDown(ctx context.Context) bool {
	delay := s.cfg.IssueCoolDown
	if delay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// runState snapshots the current run for checkpointing and export.
func (s *Supervisor) runState() *models.RunState {
	state := &models.RunState{
		RunID:           s.opts.RunID,
		ProjectID:       s.opts.ProjectID,
		StartedAt:       s.startedAt,
		CompletedIssues: s.issues.Completed(),
		FailedIssues:    s.issues.Failed(),
		Plan:            s.planner.Plan(),
		PlanText:        s.planner.PlanText(),
	}
	if s.metrics != nil {
		state.Metrics = s.metrics.Snapshot()
	}
	return state
}

func (s *Supervisor) checkpoint(label string) error {
	if err := s.ckpt.Save(s.runState(), label); err != nil {
		s.logger.Error("checkpoint save failed", "label", label, "error", err)
		return err
	}
	return nil
}

// exportIssueMetrics refreshes the issue's live metrics file. Best effort;
// the finalize-time report is authoritative.
func (s *Supervisor) exportIssueMetrics(state *models.IssueState) {
	if s.exporter == nil {
		return
	}
	if err := s.exporter.WriteIssueMetrics(state); err != nil {
		s.logger.Warn("issue metrics write failed", "issue", state.IID, "error", err)
	}
}

func (s *Supervisor) exportIssue(state *models.IssueState) {
	if s.exporter == nil {
		return
	}
	s.exportIssueMetrics(state)
	if err := s.exporter.WriteIssueReport(state); err != nil {
		s.logger.Warn("issue report write failed", "issue", state.IID, "error", err)
	}
	if err := s.exporter.AppendIssue(state); err != nil {
		s.logger.Warn("issue csv append failed", "issue", state.IID, "error", err)
	}
}

func (s *Supervisor) exportRun() {
	if s.exporter == nil {
		return
	}
	if err := s.exporter.AppendRun(s.runState()); err != nil {
		s.logger.Warn("run csv append failed", "error", err)
	}
}

func (s *Supervisor) setState(state State, details string) {
	s.state = state
	s.logger.Info("state transition", "state", state, "details", details)
	if s.sink != nil {
		s.sink.Publish(models.NewEvent(models.EventSystemStatus, map[string]any{
			"state":   string(state),
			"details": details,
		}))
	}
}

func (s *Supervisor) publishPipeline(stage models.Phase, status, details string) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(models.NewEvent(models.EventPipelineUpdate, models.PipelineUpdate{
		Stage:   string(stage),
		Status:  status,
		Details: details,
	}))
}

func (s *Supervisor) fail(reason string) *Result {
	s.setState(StateFailed, reason)
	s.exportRun()
	res := s.finish()
	res.Reason = reason
	return res
}

func (s *Supervisor) canceled() *Result {
	s.checkpoint("canceled")
	res := s.fail("canceled")
	res.Canceled = true
	return res
}

func (s *Supervisor) finish() *Result {
	return &Result{
		State:           s.state,
		CompletedIssues: s.issues.Completed(),
		FailedIssues:    s.issues.Failed(),
	}
}

func (s *Supervisor) logSummary() {
	metrics := models.RunMetrics{}
	if s.metrics != nil {
		metrics = s.metrics.Snapshot()
	}
	s.logger.Info("run summary",
		"completed", s.issues.Completed(),
		"failed", s.issues.Failed(),
		"agent_calls", metrics.AgentCalls,
		"tool_calls", metrics.ToolCalls,
		"duration_seconds", fmt.Sprintf("%.1f", metrics.DurationSeconds))
}
