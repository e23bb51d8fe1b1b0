package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("log_level = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if want := filepath.Join(home, ".khost", defaultJournalFile); cfg.JournalPath != want {
		t.Fatalf("journal_path = %q, want %q", cfg.JournalPath, want)
	}
	if cfg.HelpTimeout != defaultHelpTimeout {
		t.Fatalf("help_timeout = %s, want %s", cfg.HelpTimeout, defaultHelpTimeout)
	}
	if cfg.VariablesTimeout != defaultVariablesTimeout {
		t.Fatalf("variables_timeout = %s, want %s", cfg.VariablesTimeout, defaultVariablesTimeout)
	}
	if cfg.QueryTimeout != defaultQueryTimeout {
		t.Fatalf("query_timeout = %s, want %s", cfg.QueryTimeout, defaultQueryTimeout)
	}
	if cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("shutdown_timeout = %s, want %s", cfg.ShutdownTimeout, defaultShutdownTimeout)
	}
	if cfg.EventBufferSize != defaultEventBufferSize {
		t.Fatalf("event_buffer_size = %d, want %d", cfg.EventBufferSize, defaultEventBufferSize)
	}
	if len(cfg.Runtimes) != 0 {
		t.Fatalf("runtimes = %v, want none", cfg.Runtimes)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".khost", "config.toml"), `
log_level = "debug"
help_timeout = "2s"
event_buffer_size = 500

[[runtimes]]
id = "python-3.12"
language_id = "python"
language_name = "Python"
path = "/usr/bin/python3"
args = ["-m", "khost_kernel"]

[[runtimes]]
id = "r-4"
language_id = "r"
path = "/usr/bin/Rscript"
	`)

	writeFile(t, filepath.Join(work, ".khost", "config.toml"), `
help_timeout = "3s"
variables_timeout = "1m"
journal_path = "/tmp/project.db"

[[runtimes]]
id = "python-3.12"
language_id = "Python"
path = "/opt/venv/bin/python"
version = "3.12.1"
	`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HelpTimeout != 3*time.Second {
		t.Fatalf("help_timeout = %s, want 3s", cfg.HelpTimeout)
	}
	if cfg.VariablesTimeout != time.Minute {
		t.Fatalf("variables_timeout = %s, want 1m", cfg.VariablesTimeout)
	}
	if cfg.EventBufferSize != 500 {
		t.Fatalf("event_buffer_size = %d, want 500", cfg.EventBufferSize)
	}
	if cfg.JournalPath != "/tmp/project.db" {
		t.Fatalf("journal_path = %q, want %q", cfg.JournalPath, "/tmp/project.db")
	}

	if len(cfg.Runtimes) != 2 {
		t.Fatalf("runtimes = %d, want 2", len(cfg.Runtimes))
	}
	python, ok := cfg.Runtime("PYTHON-3.12")
	if !ok {
		t.Fatal("python runtime missing")
	}
	if python.Path != "/opt/venv/bin/python" || python.Version != "3.12.1" {
		t.Fatalf("python runtime = %#v, want project override", python)
	}
	if python.LanguageID != "python" {
		t.Fatalf("language_id = %q, want normalized python", python.LanguageID)
	}
	if cfg.Runtimes[0].ID != "python-3.12" || cfg.Runtimes[1].ID != "r-4" {
		t.Fatalf("runtime order = %q, %q", cfg.Runtimes[0].ID, cfg.Runtimes[1].ID)
	}
	r := cfg.Runtimes[1]
	if r.Name != "r-4" || r.LanguageName != "r" {
		t.Fatalf("r runtime defaults = %#v", r)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", `query_timeout = "soon"`, "query_timeout"},
		{"negative duration", `shutdown_timeout = "-1s"`, "shutdown_timeout"},
		{"zero buffer", `event_buffer_size = 0`, "event_buffer_size"},
		{"runtime without path", "[[runtimes]]\nid = \"py\"\nlanguage_id = \"python\"", "runtimes[0].path"},
		{"runtime without language", "[[runtimes]]\nid = \"py\"\npath = \"python3\"", "runtimes[0].language_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			work := t.TempDir()
			t.Setenv("HOME", home)
			path := filepath.Join(work, ".khost", "config.toml")
			writeFile(t, path, tt.content)
			chdir(t, work)

			_, err := Load(context.Background())
			if err == nil {
				t.Fatal("expected load error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q missing %q", err.Error(), tt.want)
			}
			if !strings.Contains(err.Error(), path) {
				t.Fatalf("error %q missing path %q", err.Error(), path)
			}
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
