package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// runCLI executes the root command with args and returns combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// sqliteConfig writes a config pointing at a fresh sqlite file and returns
// its path.
func sqliteConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FF_BATCH_SIZE", "")
	t.Cleanup(func() { logrus.SetLevel(logrus.InfoLevel) })

	dir := t.TempDir()
	yml := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "ff.db") + "\n" +
		"import:\n  batch_size: 2\n  upload_dir: " + filepath.Join(dir, "uploads") + "\n"
	path := filepath.Join(dir, "fibreflow.yaml")
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "ff dev") {
		t.Errorf("expected output to contain 'ff dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "ff 1.0.0") {
		t.Errorf("expected output to contain 'ff 1.0.0', got: %s", out)
	}
	if !strings.Contains(out, "commit: abc123") {
		t.Errorf("expected output to contain 'commit: abc123', got: %s", out)
	}
	if !strings.Contains(out, "built: 2026-01-01") {
		t.Errorf("expected output to contain 'built: 2026-01-01', got: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := runCLI(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	if !strings.Contains(out, "FibreFlow") {
		t.Errorf("expected help output to contain 'FibreFlow', got: %s", out)
	}
	for _, sub := range []string{"version", "db", "import", "status", "history", "cancel", "serve"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestRootCmd_BadLogLevel(t *testing.T) {
	_, err := runCLI(t, "--log-level", "chatty", "version")
	if err == nil {
		t.Fatal("expected error for unknown log level")
	}
	if !strings.Contains(err.Error(), "--log-level") {
		t.Errorf("error = %q, want mention of --log-level", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: err = %v, want nil", err)
	}

	t.Setenv("FF_TEST_DOTENV", "")
	os.Unsetenv("FF_TEST_DOTENV")
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FF_TEST_DOTENV=from-file\n"), 0644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("FF_TEST_DOTENV"); got != "from-file" {
		t.Errorf("FF_TEST_DOTENV = %q, want from-file", got)
	}
}

func TestConnectFromConfig_MissingConfig(t *testing.T) {
	_, _, err := connectFromConfig("/nonexistent/fibreflow.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}
