package stdio

import (
	"context"
	"errors"
	"iter"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/config"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/session"
	"github.com/kernelhost/khost/internal/state"
	"go.opentelemetry.io/otel/trace"
)

// RuntimeSourceConfig marks runtimes declared in config files.
const RuntimeSourceConfig = "config"

// ManagerOptions configures a Manager and the sessions it creates.
type ManagerOptions struct {
	Logger          *log.Logger
	Tracer          trace.Tracer
	Recorder        state.Recorder
	ShutdownTimeout time.Duration
	Kernel          Options
	// LookPath resolves runtime executables. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// Manager creates stdio sessions for the configured runtimes of one
// language.
type Manager struct {
	languageID string
	runtimes   []config.RuntimeConfig
	opts       ManagerOptions
	logger     *log.Logger
}

var (
	_ runtime.RuntimeManager    = (*Manager)(nil)
	_ runtime.Discoverer        = (*Manager)(nil)
	_ runtime.MetadataValidator = (*Manager)(nil)
)

// NewManager serves the runtimes in runtimes whose language is languageID.
func NewManager(languageID string, runtimes []config.RuntimeConfig, opts ManagerOptions) *Manager {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	served := make([]config.RuntimeConfig, 0, len(runtimes))
	for _, rc := range runtimes {
		if strings.EqualFold(strings.TrimSpace(rc.LanguageID), languageID) {
			served = append(served, rc)
		}
	}
	return &Manager{
		languageID: languageID,
		runtimes:   served,
		opts:       opts,
		logger:     logging.OrDiscard(opts.Logger).With("language_id", languageID),
	}
}

// Managers groups runtimes by language and returns one Manager per
// language, keyed by language ID.
func Managers(runtimes []config.RuntimeConfig, opts ManagerOptions) map[string]*Manager {
	out := map[string]*Manager{}
	for _, rc := range runtimes {
		languageID := strings.ToLower(strings.TrimSpace(rc.LanguageID))
		if languageID == "" {
			continue
		}
		if _, ok := out[languageID]; !ok {
			out[languageID] = NewManager(languageID, runtimes, opts)
		}
	}
	return out
}

// LanguageID returns the language this manager serves.
func (m *Manager) LanguageID() string { return m.languageID }

// DiscoverRuntimes yields every configured runtime whose executable resolves.
func (m *Manager) DiscoverRuntimes(ctx context.Context) iter.Seq[runtime.RuntimeMetadata] {
	return func(yield func(runtime.RuntimeMetadata) bool) {
		for _, rc := range m.runtimes {
			if ctx.Err() != nil {
				return
			}
			meta, err := m.resolve(rc)
			if err != nil {
				m.logger.Debug("runtime unavailable", "runtime_id", rc.ID, "path", rc.Path, "error", err)
				continue
			}
			if !yield(meta) {
				return
			}
		}
	}
}

// ValidateMetadata resolves the runtime's executable, filling RuntimePath.
func (m *Manager) ValidateMetadata(_ context.Context, meta runtime.RuntimeMetadata) (runtime.RuntimeMetadata, error) {
	rc, ok := m.runtime(meta.RuntimeID)
	if !ok {
		return meta, &runtime.NoRuntimeFoundError{ID: meta.RuntimeID}
	}
	resolved, err := m.resolve(rc)
	if err != nil {
		return meta, err
	}
	meta.RuntimePath = resolved.RuntimePath
	if meta.RuntimeVersion == "" {
		meta.RuntimeVersion = resolved.RuntimeVersion
	}
	return meta, nil
}

// CreateSession builds an unstarted session whose kernel launches the
// runtime's configured command.
func (m *Manager) CreateSession(_ context.Context, rt runtime.RuntimeMetadata, meta runtime.SessionMetadata) (runtime.Session, error) {
	rc, ok := m.runtime(rt.RuntimeID)
	if !ok {
		return nil, &runtime.NoRuntimeFoundError{ID: rt.RuntimeID}
	}
	command := rt.RuntimePath
	if command == "" {
		command = rc.Path
	}

	kernelOpts := m.opts.Kernel
	if kernelOpts.Logger == nil {
		kernelOpts.Logger = m.opts.Logger
	}
	if kernelOpts.Tracer == nil {
		kernelOpts.Tracer = m.opts.Tracer
	}
	kernel := New(Spec{
		RuntimeID: rt.RuntimeID,
		Command:   command,
		Args:      append([]string(nil), rc.Args...),
	}, kernelOpts)

	return session.New(rt, meta, kernel, session.Options{
		Logger:          m.opts.Logger,
		Tracer:          m.opts.Tracer,
		Recorder:        m.opts.Recorder,
		ShutdownTimeout: m.opts.ShutdownTimeout,
	}), nil
}

func (m *Manager) runtime(runtimeID string) (config.RuntimeConfig, bool) {
	for _, rc := range m.runtimes {
		if strings.EqualFold(rc.ID, runtimeID) {
			return rc, true
		}
	}
	return config.RuntimeConfig{}, false
}

func (m *Manager) resolve(rc config.RuntimeConfig) (runtime.RuntimeMetadata, error) {
	path := strings.TrimSpace(rc.Path)
	if path == "" {
		return runtime.RuntimeMetadata{}, errors.New("runtime path is empty")
	}
	resolved, err := m.opts.LookPath(path)
	if err != nil {
		return runtime.RuntimeMetadata{}, err
	}
	return runtime.RuntimeMetadata{
		RuntimeID:      rc.ID,
		LanguageID:     m.languageID,
		LanguageName:   rc.LanguageName,
		RuntimeName:    rc.Name,
		RuntimePath:    resolved,
		RuntimeVersion: rc.Version,
		RuntimeSource:  RuntimeSourceConfig,
	}, nil
}
