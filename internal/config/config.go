package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel         = "info"
	defaultHelpTimeout      = 5 * time.Second
	defaultVariablesTimeout = 30 * time.Second
	defaultQueryTimeout     = 5 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultEventBufferSize  = 100
	defaultJournalFile      = "journal.db"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	LogLevel         string
	JournalPath      string
	OTelEndpoint     string
	HelpTimeout      time.Duration
	VariablesTimeout time.Duration
	QueryTimeout     time.Duration
	ShutdownTimeout  time.Duration
	EventBufferSize  int
	Runtimes         []RuntimeConfig
}

// RuntimeConfig declares one launchable kernel.
type RuntimeConfig struct {
	ID           string
	LanguageID   string
	LanguageName string
	Name         string
	Version      string
	Path         string
	Args         []string
}

type fileConfig struct {
	LogLevel         *string             `toml:"log_level"`
	JournalPath      *string             `toml:"journal_path"`
	OTelEndpoint     *string             `toml:"otel_endpoint"`
	HelpTimeout      *string             `toml:"help_timeout"`
	VariablesTimeout *string             `toml:"variables_timeout"`
	QueryTimeout     *string             `toml:"query_timeout"`
	ShutdownTimeout  *string             `toml:"shutdown_timeout"`
	EventBufferSize  *int                `toml:"event_buffer_size"`
	Runtimes         []fileRuntimeConfig `toml:"runtimes"`
}

type fileRuntimeConfig struct {
	ID           string   `toml:"id"`
	LanguageID   string   `toml:"language_id"`
	LanguageName string   `toml:"language_name"`
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Path         string   `toml:"path"`
	Args         []string `toml:"args"`
}

// Load reads config from ~/.khost/config.toml and overlays a project-local .khost/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(homeDir)
	paths := []string{
		filepath.Join(homeDir, ".khost", "config.toml"),
		filepath.Join(workingDir, ".khost", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Runtime returns the configured runtime with the given id.
func (c *Config) Runtime(id string) (RuntimeConfig, bool) {
	if c == nil {
		return RuntimeConfig{}, false
	}
	id = normalizeKey(id)
	for _, runtimeConfig := range c.Runtimes {
		if normalizeKey(runtimeConfig.ID) == id {
			return runtimeConfig, true
		}
	}
	return RuntimeConfig{}, false
}

func defaults(homeDir string) Config {
	return Config{
		LogLevel:         defaultLogLevel,
		JournalPath:      filepath.Join(homeDir, ".khost", defaultJournalFile),
		HelpTimeout:      defaultHelpTimeout,
		VariablesTimeout: defaultVariablesTimeout,
		QueryTimeout:     defaultQueryTimeout,
		ShutdownTimeout:  defaultShutdownTimeout,
		EventBufferSize:  defaultEventBufferSize,
		Runtimes:         []RuntimeConfig{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := overlayRuntimes(cfg, decoded.Runtimes, path); err != nil {
		return err
	}

	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.JournalPath != nil {
		journal := strings.TrimSpace(*decoded.JournalPath)
		if journal == "" {
			return fmt.Errorf("parse journal_path in %q: must not be empty", path)
		}
		cfg.JournalPath = journal
	}
	if decoded.OTelEndpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTelEndpoint)
	}
	if decoded.EventBufferSize != nil {
		if *decoded.EventBufferSize <= 0 {
			return fmt.Errorf("parse event_buffer_size in %q: must be > 0", path)
		}
		cfg.EventBufferSize = *decoded.EventBufferSize
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"help_timeout", decoded.HelpTimeout, &cfg.HelpTimeout},
		{"variables_timeout", decoded.VariablesTimeout, &cfg.VariablesTimeout},
		{"query_timeout", decoded.QueryTimeout, &cfg.QueryTimeout},
		{"shutdown_timeout", decoded.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		value, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = value
	}
	return nil
}

// overlayRuntimes merges by id: a later file replaces an entry with the same
// id and appends new ones in file order.
func overlayRuntimes(cfg *Config, runtimes []fileRuntimeConfig, path string) error {
	for i, entry := range runtimes {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return fmt.Errorf("parse runtimes[%d].id in %q: must not be empty", i, path)
		}
		languageID := normalizeKey(entry.LanguageID)
		if languageID == "" {
			return fmt.Errorf("parse runtimes[%d].language_id in %q: must not be empty", i, path)
		}
		if strings.TrimSpace(entry.Path) == "" {
			return fmt.Errorf("parse runtimes[%d].path in %q: must not be empty", i, path)
		}

		runtimeConfig := RuntimeConfig{
			ID:           id,
			LanguageID:   languageID,
			LanguageName: firstNonEmpty(entry.LanguageName, entry.LanguageID),
			Name:         firstNonEmpty(entry.Name, id),
			Version:      strings.TrimSpace(entry.Version),
			Path:         strings.TrimSpace(entry.Path),
			Args:         append([]string(nil), entry.Args...),
		}

		replaced := false
		for j := range cfg.Runtimes {
			if normalizeKey(cfg.Runtimes[j].ID) == normalizeKey(id) {
				cfg.Runtimes[j] = runtimeConfig
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Runtimes = append(cfg.Runtimes, runtimeConfig)
		}
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
