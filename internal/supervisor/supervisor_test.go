package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/forgeflow/internal/bridge"
	"github.com/forgeflow/forgeflow/internal/checkpoint"
	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/issues"
	"github.com/forgeflow/forgeflow/internal/planning"
	"github.com/forgeflow/forgeflow/internal/retry"
	"github.com/forgeflow/forgeflow/internal/tracker"
	"github.com/forgeflow/forgeflow/pkg/models"
)

// fakeTools answers bridge tool calls from a handler.
type fakeTools struct {
	mu      sync.Mutex
	handler func(name string, args map[string]any) (string, error)
	calls   []string
}

func (f *fakeTools) RunTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.handler(name, args)
}

func (f *fakeTools) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func scriptedTools(responses map[string]string) *fakeTools {
	return &fakeTools{handler: func(name string, args map[string]any) (string, error) {
		if r, ok := responses[name]; ok {
			return r, nil
		}
		return "[]", nil
	}}
}

// fakeExec scripts per-call phase outcomes; calls beyond the script succeed.
type fakeExec struct {
	mu sync.Mutex

	planText string
	planOK   bool
	planErr  error

	coding  []bool
	testing []bool
	review  []bool

	codingCalls  int
	testingCalls int
	reviewCalls  int

	begun          []int
	reviewBranches []string
	currentPlan    string

	onCoding func(issue models.Issue)
}

func take(script []bool, call int) bool {
	if call < len(script) {
		return script[call]
	}
	return true
}

func (f *fakeExec) ExecutePlanning(ctx context.Context, apply bool) (bool, error) {
	f.mu.Lock()
	f.currentPlan = f.planText
	f.mu.Unlock()
	return f.planOK, f.planErr
}

func (f *fakeExec) ExecuteCoding(ctx context.Context, issue models.Issue, branch string) bool {
	f.mu.Lock()
	call := f.codingCalls
	f.codingCalls++
	hook := f.onCoding
	f.mu.Unlock()
	if hook != nil {
		hook(issue)
	}
	if ctx.Err() != nil {
		return false
	}
	return take(f.coding, call)
}

func (f *fakeExec) ExecuteTesting(ctx context.Context, issue models.Issue, branch string) bool {
	f.mu.Lock()
	call := f.testingCalls
	f.testingCalls++
	f.mu.Unlock()
	return take(f.testing, call)
}

func (f *fakeExec) ExecuteReview(ctx context.Context, issue models.Issue, branch string) bool {
	f.mu.Lock()
	call := f.reviewCalls
	f.reviewCalls++
	f.reviewBranches = append(f.reviewBranches, branch)
	f.mu.Unlock()
	return take(f.review, call)
}

func (f *fakeExec) BeginIssue(state *models.IssueState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, state.IID)
}

func (f *fakeExec) CurrentPlan() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentPlan
}

func (f *fakeExec) SetCurrentPlan(plan string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentPlan = plan
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Publish(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	sup   *Supervisor
	exec  *fakeExec
	tools *fakeTools
	sink  *recordingSink
	ckpt  *checkpoint.Manager
	dir   string
}

func newEnv(t *testing.T, dir string, opts Options, exec *fakeExec, tools *fakeTools) *testEnv {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "42"
	}
	if opts.RunID == "" {
		opts.RunID = "run-test"
	}
	cfg := config.SupervisorConfig{
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		IssueCoolDown:  0,
	}
	issueMgr := issues.NewManager(tools, nil, opts.ProjectID)
	planMgr := planning.NewManager(tools, nil)
	ckpt := checkpoint.NewManager(dir, opts.RunID, nil)
	metrics := tracker.NewRunTracker()
	exporter := tracker.NewExporter(dir, opts.RunID, nil)
	sink := &recordingSink{}
	sup := New(opts, cfg, nil, exec, issueMgr, planMgr, ckpt, tools, metrics, exporter, sink)
	return &testEnv{sup: sup, exec: exec, tools: tools, sink: sink, ckpt: ckpt, dir: dir}
}

func readIssuesCSV(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "csv", "issues.csv"))
	if err != nil {
		t.Fatalf("read issues.csv: %v", err)
	}
	return string(data)
}

func TestExecute_HappyPath(t *testing.T) {
	// Planning succeeds, the committed plan orders issue 2 before issue 1,
	// and both issues pass all phases.
	tools := scriptedTools(map[string]string{
		bridge.ToolListBranches:    `[{"name":"main"},{"name":"planning-structure-api"}]`,
		bridge.ToolGetFileContents: `{"projectName":"demo","implementationOrder":[{"issueId":2},{"issueId":1}]}`,
		bridge.ToolListIssues:      `[{"iid":1,"title":"Add health endpoint"},{"iid":2,"title":"Add ping endpoint"}]`,
	})
	exec := &fakeExec{planOK: true, planText: "plan summary\nPLANNING_PHASE_COMPLETE"}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s", res.State)
	}
	if !reflect.DeepEqual(res.CompletedIssues, []int{1, 2}) {
		t.Errorf("completed = %v", res.CompletedIssues)
	}
	if len(res.FailedIssues) != 0 {
		t.Errorf("failed = %v", res.FailedIssues)
	}
	if !reflect.DeepEqual(exec.begun, []int{0, 2, 1}) {
		t.Errorf("begun = %v, want planning merge then plan order", exec.begun)
	}
	// One review for the planning merge, one per issue.
	if exec.reviewCalls != 3 {
		t.Errorf("review calls = %d", exec.reviewCalls)
	}
	if exec.reviewBranches[0] != "planning-structure-api" {
		t.Errorf("planning merge branch = %q", exec.reviewBranches[0])
	}

	state, err := env.ckpt.Load()
	if err != nil || state == nil {
		t.Fatalf("checkpoint: %v, %v", state, err)
	}
	if state.Stage != "final" {
		t.Errorf("checkpoint stage = %q", state.Stage)
	}
	if !reflect.DeepEqual(state.CompletedIssues, []int{1, 2}) {
		t.Errorf("checkpoint completed = %v", state.CompletedIssues)
	}

	csv := readIssuesCSV(t, env.dir)
	if strings.Count(csv, "completed") != 2 {
		t.Errorf("issues.csv = %q", csv)
	}
	if env.sink.count(models.EventSystemStatus) == 0 || env.sink.count(models.EventPipelineUpdate) == 0 {
		t.Error("expected status and pipeline events")
	}
}

func TestExecute_AnalyzeStopsAfterPlanning(t *testing.T) {
	tools := scriptedTools(nil)
	exec := &fakeExec{planOK: true, planText: "analysis"}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeAnalyze}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s", res.State)
	}
	if exec.codingCalls != 0 || exec.reviewCalls != 0 {
		t.Error("analyze mode must not run implementation phases")
	}
	if tools.called(bridge.ToolListIssues) != 0 {
		t.Error("analyze mode must not fetch the backlog")
	}

	state, _ := env.ckpt.Load()
	if state == nil || state.Stage != "after_planning" {
		t.Errorf("checkpoint = %+v", state)
	}
}

func TestExecute_PlanningFailureIsFatal(t *testing.T) {
	tools := scriptedTools(nil)
	exec := &fakeExec{planOK: false, planErr: retry.Permanent(errors.New("provider auth rejected"))}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.State != StateFailed || res.Reason != "planning failed" {
		t.Errorf("result = %+v", res)
	}
	if exec.codingCalls != 0 {
		t.Error("implementation must not start after planning failure")
	}
}

func TestExecute_ReviewMismatchRetriesAttempt(t *testing.T) {
	// First attempt: review rejects (pipeline mismatch). Second attempt
	// passes. Coding and testing rerun on the retry.
	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[{"iid":5,"title":"Add parser"}]`,
	})
	exec := &fakeExec{
		planOK: true,
		review: []bool{false, true},
	}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(res.CompletedIssues, []int{5}) {
		t.Errorf("completed = %v", res.CompletedIssues)
	}
	if exec.codingCalls != 2 || exec.testingCalls != 2 || exec.reviewCalls != 2 {
		t.Errorf("calls = coding %d testing %d review %d, want 2 each",
			exec.codingCalls, exec.testingCalls, exec.reviewCalls)
	}
}

func TestExecute_LiveIssueMetricsWrittenBetweenAttempts(t *testing.T) {
	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[{"iid":5,"title":"Add parser"}]`,
	})
	exec := &fakeExec{
		planOK: true,
		coding: []bool{false, true},
	}
	dir := t.TempDir()
	metricsPath := filepath.Join(dir, "runs", "run-test", "issues", "issue_5_metrics.json")

	// The file must already be on disk when the retry starts the second
	// attempt, not only after the issue is finalized.
	var midRun []byte
	calls := 0
	exec.onCoding = func(issue models.Issue) {
		calls++
		if calls == 2 {
			midRun, _ = os.ReadFile(metricsPath)
		}
	}
	env := newEnv(t, dir, Options{Mode: ModeImplement}, exec, tools)

	if _, err := env.sup.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(midRun) == 0 {
		t.Fatal("metrics file missing at the start of the second attempt")
	}
	if !strings.Contains(string(midRun), `"in_progress"`) {
		t.Errorf("mid-run metrics = %s", midRun)
	}

	final, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("final metrics: %v", err)
	}
	if !strings.Contains(string(final), `"completed"`) {
		t.Errorf("final metrics = %s", final)
	}
}

func TestExecute_TestingFailureStillReviews(t *testing.T) {
	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[{"iid":5,"title":"Add parser"}]`,
	})
	exec := &fakeExec{
		planOK:  true,
		testing: []bool{false},
	}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(res.CompletedIssues, []int{5}) {
		t.Errorf("completed = %v; review is the final authority", res.CompletedIssues)
	}
	if exec.reviewCalls != 1 {
		t.Errorf("review calls = %d", exec.reviewCalls)
	}
}

func TestExecute_SkipsAlreadyMergedIssue(t *testing.T) {
	issue := models.Issue{IID: 3, Title: "Add cache"}
	tools := &fakeTools{handler: func(name string, args map[string]any) (string, error) {
		switch name {
		case bridge.ToolListIssues:
			return `[{"iid":3,"title":"Add cache"}]`, nil
		case bridge.ToolListMergeRequests:
			if args["source_branch"] == issue.FeatureBranch() {
				return `[{"iid":44,"state":"merged"}]`, nil
			}
			return "[]", nil
		default:
			return "[]", nil
		}
	}}
	exec := &fakeExec{planOK: true}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.codingCalls != 0 || exec.testingCalls != 0 || exec.reviewCalls != 0 {
		t.Error("merged issue must not run any phase")
	}
	if len(exec.begun) != 0 {
		t.Errorf("begun = %v", exec.begun)
	}
	if !reflect.DeepEqual(res.CompletedIssues, []int{3}) {
		t.Errorf("completed = %v", res.CompletedIssues)
	}

	csv := readIssuesCSV(t, env.dir)
	if !strings.Contains(csv, "skipped") {
		t.Errorf("issues.csv = %q, want a skipped row", csv)
	}
	report, err := os.ReadFile(filepath.Join(env.dir, "runs", "run-test", "issues", "issue_3_report.json"))
	if err != nil {
		t.Fatalf("issue report: %v", err)
	}
	if !strings.Contains(string(report), `"skipped"`) {
		t.Errorf("report = %s", report)
	}
}

func TestExecute_CancellationAndResume(t *testing.T) {
	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[{"iid":1,"title":"First"},{"iid":2,"title":"Second"}]`,
	})
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExec{planOK: true}
	exec.onCoding = func(issue models.Issue) {
		if issue.IID == 1 {
			cancel()
		}
	}
	dir := t.TempDir()
	env := newEnv(t, dir, Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !res.Canceled || res.State != StateFailed {
		t.Errorf("result = %+v", res)
	}
	if !reflect.DeepEqual(res.FailedIssues, []int{1}) {
		t.Errorf("failed = %v", res.FailedIssues)
	}
	if !reflect.DeepEqual(exec.begun, []int{1}) {
		t.Errorf("begun = %v; issue 2 must not start", exec.begun)
	}

	state, _ := env.ckpt.Load()
	if state == nil || state.Stage != "canceled" {
		t.Fatalf("checkpoint = %+v", state)
	}

	// Resume restarts the interrupted issue from scratch and finishes both.
	exec2 := &fakeExec{planOK: true}
	env2 := newEnv(t, dir, Options{Mode: ModeImplement, Resume: true}, exec2, tools)

	res2, err := env2.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("resume Execute: %v", err)
	}
	if !reflect.DeepEqual(exec2.begun, []int{1, 2}) {
		t.Errorf("resume begun = %v", exec2.begun)
	}
	if !reflect.DeepEqual(res2.CompletedIssues, []int{1, 2}) || len(res2.FailedIssues) != 0 {
		t.Errorf("resume result = %+v", res2)
	}
}

func TestExecute_ResumeSkipsCompletedIssues(t *testing.T) {
	dir := t.TempDir()
	ckpt := checkpoint.NewManager(dir, "run-test", nil)
	seed := &models.RunState{
		RunID:           "run-test",
		ProjectID:       "42",
		StartedAt:       time.Now().UTC(),
		CompletedIssues: []int{1},
		PlanText:        "restored plan",
	}
	if err := ckpt.Save(seed, "after_issue_1_completed"); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[{"iid":1,"title":"First"},{"iid":2,"title":"Second"}]`,
	})
	exec := &fakeExec{planOK: true}
	env := newEnv(t, dir, Options{Mode: ModeImplement, Resume: true}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(exec.begun, []int{2}) {
		t.Errorf("begun = %v; issue 1 was already completed", exec.begun)
	}
	if exec.currentPlan != "restored plan" {
		t.Errorf("plan not restored: %q", exec.currentPlan)
	}
	if !reflect.DeepEqual(res.CompletedIssues, []int{1, 2}) {
		t.Errorf("completed = %v", res.CompletedIssues)
	}
}

func TestExecute_FallbackPrioritization(t *testing.T) {
	// No planning-structure branch, so no plan: priority label first, then
	// the dependency chain, then iid.
	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[
			{"iid":3,"title":"Wire sessions","description":"Depends on #5"},
			{"iid":5,"title":"Add store"},
			{"iid":7,"title":"Fix login","labels":["priority::high"]}
		]`,
	})
	exec := &fakeExec{planOK: true}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	if _, err := env.sup.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(exec.begun, []int{7, 5, 3}) {
		t.Errorf("begun = %v, want [7 5 3]", exec.begun)
	}
}

func TestExecute_SpecificIssueFilters(t *testing.T) {
	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[{"iid":1},{"iid":2},{"iid":3}]`,
	})
	exec := &fakeExec{planOK: true}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement, SpecificIssue: 2}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(exec.begun, []int{2}) {
		t.Errorf("begun = %v", exec.begun)
	}
	if !reflect.DeepEqual(res.CompletedIssues, []int{2}) {
		t.Errorf("completed = %v", res.CompletedIssues)
	}
}

func TestExecute_FailedIssueDoesNotAbortRun(t *testing.T) {
	tools := scriptedTools(map[string]string{
		bridge.ToolListIssues: `[{"iid":1,"title":"First"},{"iid":2,"title":"Second"}]`,
	})
	// Issue 1 exhausts all three attempts at coding; issue 2 succeeds.
	exec := &fakeExec{
		planOK: true,
		coding: []bool{false, false, false, true},
	}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s", res.State)
	}
	if !reflect.DeepEqual(res.FailedIssues, []int{1}) || !reflect.DeepEqual(res.CompletedIssues, []int{2}) {
		t.Errorf("result = %+v", res)
	}
	if exec.codingCalls != 4 {
		t.Errorf("coding calls = %d, want 3 failed attempts + 1 success", exec.codingCalls)
	}
}

func TestExecute_BridgeLossIsFatal(t *testing.T) {
	tools := &fakeTools{handler: func(name string, args map[string]any) (string, error) {
		if name == bridge.ToolListIssues {
			return "", bridge.ErrConnectionLost
		}
		return "[]", nil
	}}
	exec := &fakeExec{planOK: true}
	env := newEnv(t, t.TempDir(), Options{Mode: ModeImplement}, exec, tools)

	res, err := env.sup.Execute(context.Background())
	if !errors.Is(err, bridge.ErrConnectionLost) {
		t.Fatalf("err = %v", err)
	}
	if res.State != StateFailed || res.Reason != "tool bridge lost" {
		t.Errorf("result = %+v", res)
	}
}
