package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"almlp/internal/config"
	"almlp/internal/model"
)

func TestWriteReadAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	budget := 5
	artifacts := RunArtifacts{
		Summary: model.RunSummary{
			RunID:        "run-123",
			Kind:         model.RunKindOnline,
			CreatedAtUTC: time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC),
			Steps:        3,
			ParentCalls:  2,
		},
		Settings: config.Settings{StatUncertainTol: 0.05, MaxParentCalls: &budget},
		Audit: []model.AuditRecord{
			{Step: 1, Phase: model.PhaseBootstrap, ParentCalled: true},
			{Step: 2, Phase: model.PhasePredict, Unsafe: true, ParentCalled: true, Tolerance: 0.1},
		},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "summary.json", "audit.json"} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}
	if _, err := os.Stat(filepath.Join(runDir, "rounds.json")); !os.IsNotExist(err) {
		t.Fatalf("online runs should not write rounds.json, stat err=%v", err)
	}

	settings, ok, err := ReadRunConfig(baseDir, "run-123")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%v err=%v", ok, err)
	}
	if settings.MaxParentCalls == nil || *settings.MaxParentCalls != 5 {
		t.Fatalf("unexpected settings: %+v", settings)
	}

	audit, ok, err := ReadAudit(baseDir, "run-123")
	if err != nil || !ok {
		t.Fatalf("read audit: ok=%v err=%v", ok, err)
	}
	if len(audit) != 2 || !audit[1].Unsafe || audit[1].Tolerance != 0.1 {
		t.Fatalf("unexpected audit: %+v", audit)
	}

	if _, ok, err := ReadRounds(baseDir, "run-123"); err != nil || ok {
		t.Fatalf("expected no rounds, ok=%v err=%v", ok, err)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "summary.json", "audit.json"} {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
}

func TestRunIndexAppendListAndUpsert(t *testing.T) {
	baseDir := t.TempDir()

	if err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Kind:         model.RunKindOffline,
		Rounds:       3,
		ParentCalls:  4,
		CreatedAtUTC: "2026-02-10T10:00:00Z",
	}); err != nil {
		t.Fatalf("append run-1: %v", err)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-2",
		Kind:         model.RunKindOnline,
		Steps:        20,
		ParentCalls:  6,
		CreatedAtUTC: "2026-02-10T11:00:00Z",
	}); err != nil {
		t.Fatalf("append run-2: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-2" || entries[1].RunID != "run-1" {
		t.Fatalf("unexpected order: %+v", entries)
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Kind:         model.RunKindOffline,
		Rounds:       5,
		ParentCalls:  8,
		CreatedAtUTC: "2026-02-10T12:00:00Z",
	}); err != nil {
		t.Fatalf("upsert run-1: %v", err)
	}

	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list after upsert: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after upsert, got %d", len(entries))
	}
	if entries[0].RunID != "run-1" || entries[0].ParentCalls != 8 {
		t.Fatalf("unexpected upsert result: %+v", entries[0])
	}
}

func TestRunIndexEqualTimestampPrefersLaterAppend(t *testing.T) {
	baseDir := t.TempDir()
	ts := "2026-02-10T12:00:00Z"

	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-a", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-a: %v", err)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-b", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-b: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if entries[0].RunID != "run-b" {
		t.Fatalf("expected latest appended run-b first, got %+v", entries)
	}
}

func TestListRunIndexEmpty(t *testing.T) {
	entries, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty index, got %+v", entries)
	}
}
