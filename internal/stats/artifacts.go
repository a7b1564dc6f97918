// Package stats writes per-run artifacts (settings, audit trail, round
// records) under a base directory and keeps an index of finished runs.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"almlp/internal/config"
	"almlp/internal/model"
)

const runIndexFile = "run_index.json"

const (
	configFile  = "config.json"
	auditFile   = "audit.json"
	roundsFile  = "rounds.json"
	summaryFile = "summary.json"
)

type RunArtifacts struct {
	Summary  model.RunSummary
	Settings config.Settings
	Audit    []model.AuditRecord
	Rounds   []model.RoundRecord
}

type RunIndexEntry struct {
	RunID        string        `json:"run_id"`
	Kind         model.RunKind `json:"kind"`
	Steps        int           `json:"steps,omitempty"`
	Rounds       int           `json:"rounds,omitempty"`
	ParentCalls  int           `json:"parent_calls"`
	DatasetSize  int           `json:"dataset_size"`
	FinalEnergy  float64       `json:"final_energy"`
	CreatedAtUTC string        `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Summary.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Summary.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Settings); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if artifacts.Audit != nil {
		if err := writeJSON(filepath.Join(runDir, auditFile), artifacts.Audit); err != nil {
			return "", err
		}
	}
	if artifacts.Rounds != nil {
		if err := writeJSON(filepath.Join(runDir, roundsFile), artifacts.Rounds); err != nil {
			return "", err
		}
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

// ListRunIndex returns the index newest first.
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

// ExportRunArtifacts copies whatever artifacts exist for runID into outDir.
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

	for _, file := range []string{configFile, summaryFile, auditFile, roundsFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := copyFile(path, filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (config.Settings, bool, error) {
	var s config.Settings
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &s)
	return s, ok, err
}

func ReadAudit(baseDir, runID string) ([]model.AuditRecord, bool, error) {
	var records []model.AuditRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, auditFile), &records)
	return records, ok, err
}

func ReadRounds(baseDir, runID string) ([]model.RoundRecord, bool, error) {
	var rounds []model.RoundRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, roundsFile), &rounds)
	return rounds, ok, err
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
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
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

	_, err = io.Copy(out, in)
	return err
}
