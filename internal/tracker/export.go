package tracker

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/forgeflow/forgeflow/pkg/models"
)

// Column orders are part of the export contract; downstream dashboards key
// on them.
var (
	runColumns = []string{
		"run_id", "project_id", "started_at", "stage",
		"completed", "failed", "successes", "errors",
		"agent_calls", "tool_calls", "duration_seconds",
	}
	issueColumns = []string{
		"run_id", "iid", "title", "branch", "status",
		"coding_attempts", "testing_attempts", "review_attempts",
		"errors", "duration_seconds", "finished_at",
	}
)

// Exporter writes issue reports and appends CSV summaries under the logs
// directory. Appends are serialized on an internal mutex.
type Exporter struct {
	baseDir string
	runID   string
	logger  *slog.Logger

	mu sync.Mutex
}

// NewExporter creates an exporter rooted at the logs directory.
func NewExporter(baseDir, runID string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		baseDir: baseDir,
		runID:   runID,
		logger:  logger.With("component", "tracker", "run_id", runID),
	}
}

// IssueReportPath returns where the issue's JSON report lands.
func (e *Exporter) IssueReportPath(iid int) string {
	return filepath.Join(e.baseDir, "runs", e.runID, "issues", fmt.Sprintf("issue_%d_report.json", iid))
}

// IssueMetricsPath returns where the issue's live metrics file lands.
func (e *Exporter) IssueMetricsPath(iid int) string {
	return filepath.Join(e.baseDir, "runs", e.runID, "issues", fmt.Sprintf("issue_%d_metrics.json", iid))
}

// WriteIssueMetrics overwrites the issue's live metrics file with the current
// attempt counters. Written at attempt boundaries so a crashed run still
// leaves the latest counts on disk; the report written on finalize is the
// authoritative record.
func (e *Exporter) WriteIssueMetrics(state *models.IssueState) error {
	doc := struct {
		IID       int                                    `json:"iid"`
		Status    models.IssueStatus                     `json:"status"`
		Attempts  map[models.Phase]*models.PhaseAttempts `json:"attempts"`
		Errors    int                                    `json:"errors"`
		UpdatedAt time.Time                              `json:"updated_at"`
	}{
		IID:       state.IID,
		Status:    state.Status,
		Attempts:  state.Attempts,
		Errors:    len(state.Errors),
		UpdatedAt: time.Now().UTC(),
	}

	path := e.IssueMetricsPath(state.IID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create issues dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode issue metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write issue metrics: %w", err)
	}
	return nil
}

// WriteIssueReport writes the finalized issue state as a JSON report.
func (e *Exporter) WriteIssueReport(state *models.IssueState) error {
	path := e.IssueReportPath(state.IID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create issues dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode issue report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write issue report: %w", err)
	}
	return nil
}

// AppendIssue appends one row to logs/csv/issues.csv, writing the header on
// first use.
func (e *Exporter) AppendIssue(state *models.IssueState) error {
	finished := ""
	if state.EndedAt != nil {
		finished = state.EndedAt.Format(time.RFC3339)
	}
	row := []string{
		e.runID,
		strconv.Itoa(state.IID),
		state.Title,
		state.Branch,
		string(state.Status),
		strconv.Itoa(attemptCount(state, models.PhaseCoding)),
		strconv.Itoa(attemptCount(state, models.PhaseTesting)),
		strconv.Itoa(attemptCount(state, models.PhaseReview)),
		strconv.Itoa(len(state.Errors)),
		formatSeconds(state.Duration().Seconds()),
		finished,
	}
	return e.appendCSV("issues.csv", issueColumns, row)
}

// AppendRun appends the run summary row to logs/csv/runs.csv.
func (e *Exporter) AppendRun(state *models.RunState) error {
	row := []string{
		state.RunID,
		state.ProjectID,
		state.StartedAt.Format(time.RFC3339),
		state.Stage,
		strconv.Itoa(len(state.CompletedIssues)),
		strconv.Itoa(len(state.FailedIssues)),
		strconv.FormatInt(state.Metrics.Successes, 10),
		strconv.FormatInt(state.Metrics.Errors, 10),
		strconv.FormatInt(state.Metrics.AgentCalls, 10),
		strconv.FormatInt(state.Metrics.ToolCalls, 10),
		formatSeconds(state.Metrics.DurationSeconds),
	}
	return e.appendCSV("runs.csv", runColumns, row)
}

func (e *Exporter) appendCSV(name string, header, row []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Join(e.baseDir, "csv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create csv dir: %w", err)
	}
	path := filepath.Join(dir, name)

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write %s header: %w", name, err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write %s row: %w", name, err)
	}
	w.Flush()
	return w.Error()
}

func attemptCount(state *models.IssueState, phase models.Phase) int {
	if pa := state.Attempts[phase]; pa != nil {
		return pa.Count
	}
	return 0
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 2, 64)
}
