package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/bridge"
	"github.com/kernelhost/khost/internal/config"
	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/kernel/stdio"
	"github.com/kernelhost/khost/internal/recovery"
	"github.com/kernelhost/khost/internal/registry"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/state"
	"github.com/kernelhost/khost/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "github.com/kernelhost/khost/cmd/khost"
	closeTimeout    = 30 * time.Second
	discoverTimeout = 30 * time.Second
)

// managersFn builds the language runtime managers served on the host side
// of the bridge. Tests replace it with in-memory kernels.
var managersFn = func(cfg *config.Config, logger *log.Logger, recorder state.Recorder) map[string]runtime.RuntimeManager {
	out := map[string]runtime.RuntimeManager{}
	for languageID, manager := range stdio.Managers(cfg.Runtimes, stdio.ManagerOptions{
		Logger:          logger,
		Tracer:          otel.Tracer(tracerName),
		Recorder:        recorder,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}) {
		out[languageID] = manager
	}
	return out
}

// hostProber decides whether the host that journaled a session still runs.
var hostProber recovery.ProcessProber = recovery.SignalProber

// app is the set of components one command invocation runs against.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	tracer   trace.Tracer
	bus      *events.InMemoryBus
	journal  *store.Journal
	registry *registry.Registry
	host     *bridge.Host
	main     *bridge.Main
	detach   []func()
}

func openApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	journal, err := store.Open(ctx, cfg.JournalPath, store.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	tracer := otel.Tracer(tracerName)
	bus := events.New(events.WithLogger(logger), events.WithBacklogWarning(cfg.EventBufferSize))
	reg := registry.New(registry.Options{Bus: bus, Logger: logger, Tracer: tracer})
	host, mainSide := bridge.Connect(
		bridge.MainOptions{Registry: reg, Bus: bus, Logger: logger},
		bridge.HostOptions{Logger: logger, Tracer: tracer},
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		bus:      bus,
		journal:  journal,
		registry: reg,
		host:     host,
		main:     mainSide,
	}
	a.detach = append(a.detach, journal.Attach(bus))
	a.recoverOrphans(ctx)
	for languageID, manager := range managersFn(cfg, logger, journal) {
		host.RegisterLanguageRuntimeManager(languageID, manager)
		a.detach = append(a.detach, mainSide.RegisterLanguage(languageID))
	}
	return a, nil
}

// recoverOrphans closes sessions journaled by hosts that are no longer running.
// Failures are logged; a stale journal never blocks a command.
func (a *app) recoverOrphans(ctx context.Context) {
	manager, err := recovery.NewManager(a.journal, hostProber, recovery.Config{
		EventBus: a.bus,
		Logger:   a.logger,
		SelfPID:  a.journal.HostPID(),
	})
	if err != nil {
		a.logger.Warn("session recovery unavailable", "error", err)
		return
	}
	result, err := manager.Recover(ctx)
	if err != nil {
		a.logger.Warn("session recovery failed", "error", err)
		return
	}
	if len(result.Orphaned) > 0 {
		a.logger.Info("recovered orphaned sessions", "count", len(result.Orphaned))
	}
}

// discover runs runtime discovery for every registered language.
func (a *app) discover(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()
	stop := a.main.OnDiscoveryComplete(func(languageID string) {
		a.logger.Debug("language discovery complete", "language_id", languageID)
	})
	defer stop()
	if err := a.host.DiscoverAllRuntimes(ctx); err != nil {
		return fmt.Errorf("discover runtimes: %w", err)
	}
	return nil
}

// resolveRuntime picks runtimeID when set, otherwise the preferred runtime of
// languageID.
func (a *app) resolveRuntime(ctx context.Context, runtimeID, languageID string) (runtime.RuntimeMetadata, error) {
	if runtimeID == "" && languageID == "" {
		return runtime.RuntimeMetadata{}, errors.New("one of --runtime or --language is required")
	}
	if err := a.discover(ctx); err != nil {
		return runtime.RuntimeMetadata{}, err
	}
	if runtimeID != "" {
		meta, ok := a.registry.GetRuntime(runtimeID)
		if !ok {
			return runtime.RuntimeMetadata{}, &runtime.NoRuntimeFoundError{ID: runtimeID}
		}
		return meta, nil
	}
	meta, ok := a.registry.GetPreferredRuntime(languageID)
	if !ok {
		return runtime.RuntimeMetadata{}, &runtime.NoRuntimeManagerError{LanguageID: languageID}
	}
	return meta, nil
}

// withSession starts a console session on the selected runtime, runs fn and
// shuts the session down.
func (a *app) withSession(ctx context.Context, runtimeID, languageID string, fn func(context.Context, runtime.Session) error) error {
	meta, err := a.resolveRuntime(ctx, runtimeID, languageID)
	if err != nil {
		return err
	}
	s, err := a.registry.StartSession(ctx, registry.StartOptions{Runtime: meta, Mode: runtime.SessionModeConsole})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	a.logger.Info("session started", "session_id", s.SessionID(), "runtime_id", meta.RuntimeID)

	runErr := fn(ctx, s)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	shutdownErr := a.registry.ShutdownSession(shutdownCtx, s.SessionID(), runtime.ExitReasonShutdown)
	return errors.Join(runErr, shutdownErr)
}

// Close shuts down remaining sessions, drains journal writes and closes the
// journal.
func (a *app) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	err := a.registry.Close(ctx)
	a.bus.Close()
	for _, fn := range a.detach {
		fn()
	}
	return errors.Join(err, a.journal.Close())
}

// runWithApp opens the app for one command and always closes it.
func runWithApp(ctx context.Context, cfg *config.Config, logger *log.Logger, fn func(*app) error) (err error) {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(ctx))
	}()
	return fn(a)
}
