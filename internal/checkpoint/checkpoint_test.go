package checkpoint

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/forgeflow/forgeflow/pkg/models"
)

func testState() *models.RunState {
	return &models.RunState{
		RunID:           "run-1",
		ProjectID:       "42",
		StartedAt:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		CompletedIssues: []int{1, 2},
		FailedIssues:    []int{5},
		PlanText:        "plan text",
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "run-1", nil)

	if m.Exists() {
		t.Error("Exists before save")
	}
	if err := m.Save(testState(), "after_planning"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !m.Exists() {
		t.Error("Exists after save")
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Stage != "after_planning" {
		t.Errorf("Stage = %q", loaded.Stage)
	}
	if !reflect.DeepEqual(loaded.CompletedIssues, []int{1, 2}) ||
		!reflect.DeepEqual(loaded.FailedIssues, []int{5}) {
		t.Errorf("sets = %v / %v", loaded.CompletedIssues, loaded.FailedIssues)
	}

	// A later save replaces the latest checkpoint.
	state := testState()
	state.CompletedIssues = []int{1, 2, 5}
	state.FailedIssues = nil
	if err := m.Save(state, "after_issue_5_completed"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err = m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Stage != "after_issue_5_completed" || len(loaded.CompletedIssues) != 3 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoad_Missing(t *testing.T) {
	m := NewManager(t.TempDir(), "run-x", nil)
	state, err := m.Load()
	if err != nil || state != nil {
		t.Errorf("Load missing = %v, %v; want nil, nil", state, err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "run-1", nil)
	if err := os.MkdirAll(filepath.Dir(m.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(); err == nil {
		t.Error("corrupt checkpoint should error")
	}

	if err := os.WriteFile(m.Path(), []byte(`{"project_id":"42"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(); err == nil {
		t.Error("checkpoint without run_id should error")
	}
}

func TestSave_NoPartialFileOnDisk(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "run-1", nil)
	if err := m.Save(testState(), "before_implementation"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(m.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "latest.json" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("checkpoint dir contents = %v, want only latest.json", names)
	}
}

func TestLatestRunID(t *testing.T) {
	dir := t.TempDir()

	if runID, err := LatestRunID(dir); err != nil || runID != "" {
		t.Errorf("empty dir = %q, %v", runID, err)
	}

	old := NewManager(dir, "run-old", nil)
	if err := old.Save(testState(), "after_planning"); err != nil {
		t.Fatal(err)
	}
	// Ensure distinct mtimes on coarse-grained filesystems.
	time.Sleep(10 * time.Millisecond)
	recent := NewManager(dir, "run-new", nil)
	if err := recent.Save(testState(), "after_planning"); err != nil {
		t.Fatal(err)
	}

	runID, err := LatestRunID(dir)
	if err != nil {
		t.Fatalf("LatestRunID: %v", err)
	}
	if runID != "run-new" {
		t.Errorf("LatestRunID = %q, want run-new", runID)
	}
}
