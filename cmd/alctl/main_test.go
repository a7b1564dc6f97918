package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), args, &stdout, &stderr); err != nil {
		t.Fatalf("alctl %s: %v\nstderr:\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String()
}

func TestOnlineRunsAndAudit(t *testing.T) {
	artifacts := filepath.Join(t.TempDir(), "artifacts")

	out := runCLI(t, "online", "--run-id", "cli-online", "--artifacts-dir", artifacts, "--driver-steps", "4", "--log-level", "warn")
	if !strings.Contains(out, "run_id=cli-online") || !strings.Contains(out, "kind=online") {
		t.Fatalf("unexpected online output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(artifacts, "cli-online", "audit.json")); err != nil {
		t.Fatalf("expected audit artifact: %v", err)
	}

	out = runCLI(t, "runs", "--artifacts-dir", artifacts)
	if !strings.Contains(out, "run_id=cli-online kind=online") {
		t.Fatalf("unexpected runs output:\n%s", out)
	}

	out = runCLI(t, "audit", "cli-online", "--artifacts-dir", artifacts)
	if !strings.Contains(out, "step=1 phase=bootstrap parent=true") {
		t.Fatalf("unexpected audit output:\n%s", out)
	}
}

func TestOfflineRoundsAndExport(t *testing.T) {
	base := t.TempDir()
	artifacts := filepath.Join(base, "artifacts")
	exports := filepath.Join(base, "exports")
	cfg := filepath.Join(base, "almlp.yaml")
	content := "max_iterations: 1\ndriver_steps: 4\nquery_strategy: maxmin\nlog_level: warn\n"
	if err := os.WriteFile(cfg, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out := runCLI(t, "offline", "--config", cfg, "--run-id", "cli-offline", "--artifacts-dir", artifacts)
	if !strings.Contains(out, "rounds=2") {
		t.Fatalf("unexpected offline output:\n%s", out)
	}

	out = runCLI(t, "rounds", "cli-offline", "--artifacts-dir", artifacts)
	if !strings.Contains(out, "round=1 label=relax_iter_1") {
		t.Fatalf("unexpected rounds output:\n%s", out)
	}

	out = runCLI(t, "export", "--latest", "--out", exports, "--artifacts-dir", artifacts)
	if !strings.Contains(out, "exported run_id=cli-offline") {
		t.Fatalf("unexpected export output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(exports, "cli-offline", "rounds.json")); err != nil {
		t.Fatalf("expected exported rounds: %v", err)
	}
}

func TestInvalidSettingsFail(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"online", "--query-strategy", "greedy"}, &stdout, &stderr)
	if err == nil {
		t.Fatal("expected invalid query strategy to fail")
	}
}

func TestVersion(t *testing.T) {
	out := runCLI(t, "version")
	if !strings.Contains(out, version) {
		t.Fatalf("unexpected version output: %q", out)
	}
}
