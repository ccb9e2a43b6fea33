package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/fibreflow/internal/tracker"
)

// initDB runs db init against a fresh sqlite config and returns its path.
func initDB(t *testing.T) string {
	t.Helper()
	cfg := sqliteConfig(t)
	if out, err := runCLI(t, "--log-level", "error", "db", "init", "--config", cfg); err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	return cfg
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestImportCmd_Help(t *testing.T) {
	out, err := runCLI(t, "import", "--help")
	if err != nil {
		t.Fatalf("import --help failed: %v", err)
	}
	for _, flag := range []string{"--project", "--step", "--from-line", "--config"} {
		if !strings.Contains(out, flag) {
			t.Errorf("expected help to mention %s, got: %s", flag, out)
		}
	}
}

func TestImportCmd_RequiresFlags(t *testing.T) {
	_, err := runCLI(t, "import", "poles.csv")
	if err == nil {
		t.Fatal("expected error without --project and --step")
	}
	if !strings.Contains(err.Error(), "required flag") {
		t.Errorf("error = %q, want required flag error", err)
	}
}

func TestImportCmd_UnknownStep(t *testing.T) {
	_, err := runCLI(t, "import", "x.csv", "--project", "LAW-1", "--step", "ducts")
	if err == nil {
		t.Fatal("expected error for unknown step")
	}
	if !strings.Contains(err.Error(), "unknown step") {
		t.Errorf("error = %q, want unknown step", err)
	}
}

func TestImportCmd_MissingConfig(t *testing.T) {
	_, err := runCLI(t, "import", "x.csv", "-p", "LAW-1", "-s", "poles", "--config", "/nonexistent/fibreflow.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestImportCmd_EndToEnd(t *testing.T) {
	cfg := initDB(t)
	file := writeFile(t, "poles.csv", "pole_number,lat,lon\nP001,-26.1,28.0\nP002,-26.2,28.1\nP001,-26.3,28.2\nP003,95,28.3\n")

	out, err := runCLI(t, "--log-level", "error", "import", file, "-p", "LAW-1", "-s", "poles", "-c", cfg)
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Job 1: poles completed for project LAW-1",
		"4 total, 3 valid, 1 invalid",
		"1 duplicate in file",
		"persisted: 2 (0 failed)",
		"line 4: duplicate pole number P001",
		"line 5:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "--log-level", "error", "status", "1", "-c", cfg)
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "status:    completed (100%") {
		t.Errorf("status output:\n%s", out)
	}
	if !strings.Contains(out, "lines 2-3") {
		t.Errorf("status output missing batch ledger:\n%s", out)
	}

	out, err = runCLI(t, "--log-level", "error", "status", "-p", "LAW-1", "-s", "pole", "--json", "-c", cfg)
	if err != nil {
		t.Fatalf("status --json: %v\n%s", err, out)
	}
	var snap tracker.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode snapshot: %v\n%s", err, out)
	}
	if snap.ID != 1 || snap.Status != tracker.StatusCompleted || snap.Counts.Persisted != 2 {
		t.Errorf("snapshot = %+v", snap)
	}

	out, err = runCLI(t, "--log-level", "error", "history", "-p", "LAW-1", "-c", cfg)
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	if !strings.Contains(out, "poles") || !strings.Contains(out, "completed") {
		t.Errorf("history output:\n%s", out)
	}

	if _, err := runCLI(t, "--log-level", "error", "cancel", "1", "-c", cfg); err == nil {
		t.Error("cancel of a completed job should fail")
	}
}

func TestImportCmd_SchemaErrorFailsJob(t *testing.T) {
	cfg := initDB(t)
	file := writeFile(t, "fibre.csv", "segment_id,from\nS1,P1\n")

	out, err := runCLI(t, "--log-level", "error", "import", file, "-p", "LAW-1", "-s", "fibre", "-c", cfg)
	if err == nil {
		t.Fatal("expected error for missing required columns")
	}
	if !strings.Contains(err.Error(), "missing required columns") {
		t.Errorf("error = %q", err)
	}
	if !strings.Contains(out, "fibre failed") {
		t.Errorf("expected failed summary, got:\n%s", out)
	}
}

func TestStatusCmd_NoJobs(t *testing.T) {
	cfg := initDB(t)
	out, err := runCLI(t, "--log-level", "error", "status", "-p", "LAW-9", "-s", "drops", "-c", cfg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No drops imports for project LAW-9") {
		t.Errorf("output = %q", out)
	}
}

func TestStatusCmd_NeedsSelector(t *testing.T) {
	_, err := runCLI(t, "status", "-p", "LAW-1")
	if err == nil || !strings.Contains(err.Error(), "job id or both") {
		t.Errorf("err = %v, want selector error", err)
	}
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint
		wantErr bool
	}{
		{"7", 7, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseJobID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseJobID(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseJobID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
