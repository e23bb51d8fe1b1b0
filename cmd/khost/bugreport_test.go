package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kernelhost/khost/internal/config"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/store"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	fixture := setupBugreportFixture(t)

	var out bytes.Buffer
	if err := runBugReport(context.Background(), fixture.cfg, &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}
	output := strings.TrimSpace(out.String())
	if !strings.Contains(output, "Bug report written to:") {
		t.Fatalf("unexpected output: %q", output)
	}

	archivePath := filepath.Join(fixture.cwd, ".khost-bugreport-20260211-100000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)

	assertBugreportCoreArtifacts(t, contents)

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount != 3 {
		t.Fatalf("log file count = %d, want 3 most recent logs", logCount)
	}
	homeConfig := contents["config-home.toml"]
	if strings.Contains(homeConfig, "supersecret") || strings.Contains(homeConfig, "pass123") {
		t.Fatalf("config should be redacted: %q", homeConfig)
	}
	if !strings.Contains(homeConfig, "***REDACTED***") || !strings.Contains(homeConfig, `log_level = "debug"`) {
		t.Fatalf("config redaction unexpected: %q", homeConfig)
	}
	if !strings.Contains(contents["config-project.toml"], "config unavailable") {
		t.Fatalf("missing project config should be a placeholder: %q", contents["config-project.toml"])
	}
	if !strings.Contains(contents["last-run.txt"], "host-123") || !strings.Contains(contents["last-run.txt"], "python-7") {
		t.Fatalf("missing host/session IDs: %q", contents["last-run.txt"])
	}
	if !strings.Contains(contents["runtimes.txt"], "py311\tpython\tpython3\tok /usr/bin/python3") {
		t.Fatalf("runtime check = %q", contents["runtimes.txt"])
	}
	if !strings.Contains(contents["runtimes.txt"], "r4\tr\tRscript\tmissing:") {
		t.Fatalf("runtime check = %q", contents["runtimes.txt"])
	}
	if !strings.Contains(contents["sessions.yaml"], "session_id: python-7") {
		t.Fatalf("journal sessions missing: %q", contents["sessions.yaml"])
	}
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(home, 0o750); err != nil {
		t.Fatalf("create home: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC) }
	bugreportLookPathFn = func(string) (string, error) { return "", os.ErrNotExist }

	cfg := &config.Config{JournalPath: filepath.Join(home, ".khost", "journal.db")}
	var out bytes.Buffer
	if err := runBugReport(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	archivePath := filepath.Join(cwd, ".khost-bugreport-20260211-110000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)
	readme := contents["README.txt"]
	if !strings.Contains(readme, "unable to read logs directory") {
		t.Fatalf("readme should include missing logs warning: %q", readme)
	}
	if !strings.Contains(readme, "unable to read journal") {
		t.Fatalf("readme should include missing journal warning: %q", readme)
	}
	if !strings.Contains(contents["config-home.toml"], "config unavailable") {
		t.Fatalf("expected config placeholder, got: %q", contents["config-home.toml"])
	}
	if !strings.Contains(contents["runtimes.txt"], "no runtimes configured") {
		t.Fatalf("expected runtime placeholder, got: %q", contents["runtimes.txt"])
	}
	if !strings.Contains(contents["sessions.yaml"], "journal unavailable") {
		t.Fatalf("expected journal placeholder, got: %q", contents["sessions.yaml"])
	}
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := bugreportHomeDirFn
	prevGetwd := bugreportGetwdFn
	prevLookPath := bugreportLookPathFn
	return func() {
		bugreportNowFn = prevNow
		bugreportHomeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
		bugreportLookPathFn = prevLookPath
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() {
		if closeErr := archiveFile.Close(); closeErr != nil {
			t.Fatalf("close archive file: %v", closeErr)
		}
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer func() {
		if closeErr := gzipReader.Close(); closeErr != nil {
			t.Fatalf("close gzip reader: %v", closeErr)
		}
	}()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	if len(files) == 0 {
		t.Fatalf("archive %s is empty", archivePath)
	}
	return files
}

type bugreportFixture struct {
	home string
	cwd  string
	cfg  *config.Config
}

func setupBugreportFixture(t *testing.T) bugreportFixture {
	t.Helper()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(filepath.Join(home, ".khost", "logs"), 0o750); err != nil {
		t.Fatalf("create logs dir: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	baseTime := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	writeBugreportLog(t, home, "log-1.log", `{"msg":"older"}`, baseTime.Add(-4*time.Minute))
	writeBugreportLog(t, home, "log-2.log", `{"msg":"middle"}`, baseTime.Add(-3*time.Minute))
	writeBugreportLog(
		t,
		home,
		"log-3.log",
		`{"msg":"newer","host_id":"host-123","session_id":"python-7"}`,
		baseTime.Add(-2*time.Minute),
	)
	writeBugreportLog(t, home, "log-4.log", `{"msg":"newest"}`, baseTime.Add(-1*time.Minute))

	configText := "api_key = \"supersecret\"\npassword = \"pass123\"\nlog_level = \"debug\"\n"
	if err := os.WriteFile(filepath.Join(home, ".khost", "config.toml"), []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	journalPath := filepath.Join(home, ".khost", "journal.db")
	journal, err := store.Open(context.Background(), journalPath, store.Options{})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	info := runtime.SessionInfo{
		Runtime:  runtime.RuntimeMetadata{RuntimeID: "py311", LanguageID: "python"},
		Metadata: runtime.SessionMetadata{SessionID: "python-7", SessionMode: runtime.SessionModeConsole},
	}
	if err := journal.RecordSessionStarted(context.Background(), info); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	cfg := &config.Config{
		JournalPath: journalPath,
		Runtimes: []config.RuntimeConfig{
			{ID: "py311", LanguageID: "python", Path: "python3"},
			{ID: "r4", LanguageID: "r", Path: "Rscript"},
		},
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC) }
	bugreportLookPathFn = func(file string) (string, error) {
		if file == "python3" {
			return "/usr/bin/python3", nil
		}
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", file)
	}

	return bugreportFixture{home: home, cwd: cwd, cfg: cfg}
}

func writeBugreportLog(t *testing.T, home, name, content string, modTime time.Time) {
	t.Helper()

	path := filepath.Join(home, ".khost", "logs", name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func assertBugreportCoreArtifacts(t *testing.T, contents map[string]string) {
	t.Helper()

	required := []string{
		"README.txt",
		"config-home.toml",
		"config-project.toml",
		"version.txt",
		"last-run.txt",
		"runtimes.txt",
		"sessions.yaml",
	}
	for _, path := range required {
		if _, ok := contents[path]; !ok {
			t.Fatalf("missing artifact %q in bugreport archive", path)
		}
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "api_key = \"abc\"\npassword=def\nnormal = \"value\"\n"
	got := redactSensitiveConfig(input)
	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Fatalf("expected sensitive values to be redacted: %q", got)
	}
	if strings.Count(got, "***REDACTED***") != 2 {
		t.Fatalf("expected two redactions, got %q", got)
	}
}

func TestNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("log-%d.log", i))
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write file %d: %v", i, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("set modtime %d: %v", i, err)
		}
	}

	files, err := newestFiles(dir, 2)
	if err != nil {
		t.Fatalf("newestFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("file count = %d, want 2", len(files))
	}
	if !strings.HasSuffix(files[0].path, "log-4.log") {
		t.Fatalf("first file = %s, want log-4.log", files[0].path)
	}
	if !strings.HasSuffix(files[1].path, "log-3.log") {
		t.Fatalf("second file = %s, want log-3.log", files[1].path)
	}
}
