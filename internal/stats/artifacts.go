package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"longiatlas/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	runConfigFile   = "config.json"
	assignmentsFile = "assignments.json"
	summaryFile     = "summary.json"
)

type RunConfig struct {
	RunID            string    `json:"run_id"`
	AgesPath         string    `json:"ages_path"`
	SubjectsPath     string    `json:"subjects_path,omitempty"`
	TargetsPath      string    `json:"targets_path,omitempty"`
	OutDir           string    `json:"out_dir"`
	Prefix           string    `json:"prefix,omitempty"`
	Targets          []float64 `json:"targets"`
	TargetCount      int       `json:"target_count"`
	GridSize         int       `json:"grid_size"`
	Iterations       int       `json:"iterations"`
	WindowCandidates int       `json:"window_candidates"`
	BiasTolerance    float64   `json:"bias_tolerance"`
	InitialWindow    float64   `json:"initial_window"`
	Workers          int       `json:"workers"`
}

type RunArtifacts struct {
	Config      RunConfig               `json:"config"`
	Points      []model.GridPoint       `json:"points"`
	Assignments []model.AtlasAssignment `json:"assignments"`
	Summary     ModelSummary            `json:"summary"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	OutDir       string  `json:"out_dir"`
	SubjectCount int     `json:"subject_count"`
	TargetCount  int     `json:"target_count"`
	GridSize     int     `json:"grid_size"`
	Iterations   int     `json:"iterations"`
	Atlases      int     `json:"atlases"`
	UsablePoints int     `json:"usable_points"`
	MaxBias      float64 `json:"max_bias"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// WriteRunArtifacts stores the run config, model info table, assignments and
// summary under baseDir/<run id>.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, runConfigFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := WriteModelInfo(filepath.Join(runDir, ModelInfoFile), artifacts.Points); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, assignmentsFile), artifacts.Assignments); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// RemoveRunIndex drops a run from the index. It reports whether the run was
// indexed; a missing index is not an error.
func RemoveRunIndex(baseDir, runID string) (bool, error) {
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	index, err := ListRunIndex(baseDir)
	if err != nil {
		return false, err
	}

	kept := index[:0]
	for _, entry := range index {
		if entry.RunID != runID {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(index) {
		return false, nil
	}
	return true, writeJSON(filepath.Join(baseDir, runIndexFile), kept)
}

// ListRunIndex returns the run index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run's artifact files to outDir/<run id>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{runConfigFile, ModelInfoFile, assignmentsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	summaryPath := filepath.Join(src, summaryFile)
	if _, err := os.Stat(summaryPath); err == nil {
		if err := copyFile(summaryPath, filepath.Join(dst, summaryFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, runConfigFile), &cfg)
	return cfg, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, runConfigFile), cfg)
}

func ReadAssignments(baseDir, runID string) ([]model.AtlasAssignment, bool, error) {
	var assignments []model.AtlasAssignment
	ok, err := readJSON(filepath.Join(baseDir, runID, assignmentsFile), &assignments)
	return assignments, ok, err
}

func ReadModelSummary(baseDir, runID string) (ModelSummary, bool, error) {
	var summary ModelSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
