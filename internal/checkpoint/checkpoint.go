// Package checkpoint persists run state at phase boundaries so an
// interrupted run can resume. Writes are atomic: temp file, fsync, rename.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/forgeflow/forgeflow/pkg/models"
)

const latestFile = "latest.json"

// Manager writes and reads checkpoints for one run under
// <baseDir>/runs/<runID>/checkpoints/.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a checkpoint manager rooted at the logs directory
// (typically "logs").
func NewManager(baseDir, runID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    filepath.Join(baseDir, "runs", runID, "checkpoints"),
		logger: logger.With("component", "checkpoint", "run_id", runID),
	}
}

// Path returns the location of the latest checkpoint file.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, latestFile)
}

// Save atomically writes state as the latest checkpoint. label names the
// triggering boundary ("after_planning", "before_implementation",
// "after_issue_<iid>_<outcome>") and becomes the state's Stage.
func (m *Manager) Save(state *models.RunState, label string) error {
	if state == nil {
		return errors.New("nil run state")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	snapshot := *state
	snapshot.Stage = label

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, latestFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, m.Path()); err != nil {
		return fmt.Errorf("publish checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint saved", "label", label,
		"completed", len(snapshot.CompletedIssues), "failed", len(snapshot.FailedIssues))
	return nil
}

// Load reads the latest checkpoint. A missing file returns (nil, nil).
func (m *Manager) Load() (*models.RunState, error) {
	data, err := os.ReadFile(m.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if state.RunID == "" {
		return nil, errors.New("checkpoint missing run_id")
	}
	return &state, nil
}

// Exists reports whether a checkpoint has been written for this run.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.Path())
	return err == nil
}

// LatestRunID returns the most recently modified run directory under
// <baseDir>/runs that contains a checkpoint, or "" if none exists. Used by
// --resume without an explicit run ID.
func LatestRunID(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read runs dir: %w", err)
	}

	type candidate struct {
		runID string
		mtime int64
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(runsDir, entry.Name(), "checkpoints", latestFile)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{entry.Name(), info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime > candidates[j].mtime })
	return candidates[0].runID, nil
}
