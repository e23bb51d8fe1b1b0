// Package registry tracks every active session, the runtime catalog, the
// foreground session and notebook bindings.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by StartSession and RegisterSession after Close,
// including starts that were in flight when Close ran.
var ErrClosed = errors.New("registry closed")

const entitySession = "session"

// Options configures a Registry. Every field is optional.
type Options struct {
	Bus          events.Bus
	Logger       *log.Logger
	Tracer       trace.Tracer
	NewSessionID func(languageID string) string
	Clock        func() time.Time
}

// StartOptions describes a session to start.
type StartOptions struct {
	Runtime     runtime.RuntimeMetadata
	Mode        runtime.SessionMode
	Name        string
	NotebookURI string
}

type managerEntry struct {
	manager runtime.RuntimeManager
}

type sessionEntry struct {
	session     runtime.Session
	notebookURI string
	ended       bool
	detach      []func()
}

// Registry is the single source of truth for active sessions. All mutations
// happen under one lock; events fire after it is released.
type Registry struct {
	bus          events.Bus
	logger       *log.Logger
	tracer       trace.Tracer
	newSessionID func(string) string
	clock        func() time.Time

	mu         sync.RWMutex
	runtimes   []runtime.RuntimeMetadata
	managers   map[string]*managerEntry
	sessions   map[string]*sessionEntry
	order      []string
	notebooks  map[string]string
	foreground string
	closed     bool

	onStarted    events.Emitter[runtime.Session]
	onEnded      events.Emitter[runtime.ExitInfo]
	onForeground events.Emitter[string]
	onRuntime    events.Emitter[runtime.RuntimeMetadata]
}

// New builds an empty registry.
func New(opts Options) *Registry {
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("khost/registry")
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = runtime.NewSessionID
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		bus:          opts.Bus,
		logger:       logging.OrDiscard(opts.Logger),
		tracer:       opts.Tracer,
		newSessionID: opts.NewSessionID,
		clock:        opts.Clock,
		managers:     map[string]*managerEntry{},
		sessions:     map[string]*sessionEntry{},
		notebooks:    map[string]string{},
	}
}

// OnDidStartSession fires after a session becomes active.
func (r *Registry) OnDidStartSession(fn func(runtime.Session)) func() { return r.onStarted.On(fn) }

// OnDidEndSession fires once per session after it has been removed.
func (r *Registry) OnDidEndSession(fn func(runtime.ExitInfo)) func() { return r.onEnded.On(fn) }

// OnDidChangeForegroundSession fires once per real foreground change. The
// value is "" when the foreground is cleared.
func (r *Registry) OnDidChangeForegroundSession(fn func(string)) func() {
	return r.onForeground.On(fn)
}

// OnDidRegisterRuntime fires the first time a runtime ID is registered.
func (r *Registry) OnDidRegisterRuntime(fn func(runtime.RuntimeMetadata)) func() {
	return r.onRuntime.On(fn)
}

// RegisterRuntime adds meta to the catalog. It reports false when the
// runtime ID is already known or the metadata is invalid.
func (r *Registry) RegisterRuntime(meta runtime.RuntimeMetadata) bool {
	if err := meta.Validate(); err != nil {
		r.logger.Warn("rejected runtime", "error", err)
		return false
	}

	r.mu.Lock()
	for _, existing := range r.runtimes {
		if existing.RuntimeID == meta.RuntimeID {
			r.mu.Unlock()
			return false
		}
	}
	r.runtimes = append(r.runtimes, meta)
	r.mu.Unlock()

	r.logger.Info("runtime registered", "runtime_id", meta.RuntimeID, "language_id", meta.LanguageID)
	r.onRuntime.Emit(meta)
	r.publish(events.EventTypeRuntimeRegistered, "runtime", meta.RuntimeID, meta)
	return true
}

// Runtimes returns the catalog in registration order.
func (r *Registry) Runtimes() []runtime.RuntimeMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.runtimes)
}

// GetRuntime looks a runtime up by ID.
func (r *Registry) GetRuntime(runtimeID string) (runtime.RuntimeMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, meta := range r.runtimes {
		if meta.RuntimeID == runtimeID {
			return meta, true
		}
	}
	return runtime.RuntimeMetadata{}, false
}

// GetPreferredRuntime returns the first registered runtime for languageID.
func (r *Registry) GetPreferredRuntime(languageID string) (runtime.RuntimeMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, meta := range r.runtimes {
		if meta.LanguageID == languageID {
			return meta, true
		}
	}
	return runtime.RuntimeMetadata{}, false
}

// RegisterLanguageRuntimeManager installs manager for languageID, replacing
// any earlier one. The returned func removes it only if it is still the
// installed manager.
func (r *Registry) RegisterLanguageRuntimeManager(languageID string, manager runtime.RuntimeManager) func() {
	entry := &managerEntry{manager: manager}
	r.mu.Lock()
	r.managers[languageID] = entry
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.managers[languageID] == entry {
			delete(r.managers, languageID)
		}
	}
}

func (r *Registry) manager(languageID string) (runtime.RuntimeManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.managers[languageID]
	if !ok {
		return nil, false
	}
	return entry.manager, true
}

// StartSession creates, starts and registers a session. On any failure the
// registry is left untouched.
func (r *Registry) StartSession(ctx context.Context, opts StartOptions) (runtime.Session, error) {
	ctx, span := r.tracer.Start(ctx, "registry.start_session", trace.WithAttributes(
		attribute.String("runtime_id", opts.Runtime.RuntimeID),
		attribute.String("language_id", opts.Runtime.LanguageID),
		attribute.String("session_mode", string(opts.Mode)),
	))
	defer span.End()

	s, err := r.startSession(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("session start failed", "runtime_id", opts.Runtime.RuntimeID, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", s.SessionID()))
	span.SetStatus(codes.Ok, "session registered")
	return s, nil
}

func (r *Registry) startSession(ctx context.Context, opts StartOptions) (runtime.Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	meta := opts.Runtime
	manager, ok := r.manager(meta.LanguageID)
	if !ok {
		return nil, &runtime.NoRuntimeManagerError{LanguageID: meta.LanguageID}
	}
	if validator, ok := manager.(runtime.MetadataValidator); ok {
		validated, err := validator.ValidateMetadata(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("validate runtime %s: %w", meta.RuntimeID, err)
		}
		meta = validated
	}

	mode := opts.Mode
	if mode == "" {
		mode = runtime.SessionModeConsole
	}
	sessionMeta := runtime.SessionMetadata{
		SessionID:   r.newSessionID(meta.LanguageID),
		SessionName: firstNonEmpty(opts.Name, meta.RuntimeName, meta.RuntimeID),
		SessionMode: mode,
		NotebookURI: opts.NotebookURI,
		CreatedAt:   r.clock().UTC(),
	}

	s, err := manager.CreateSession(ctx, meta, sessionMeta)
	if err != nil {
		return nil, fmt.Errorf("create session for runtime %s: %w", meta.RuntimeID, err)
	}
	if _, err := s.Start(ctx); err != nil {
		s.Dispose()
		return nil, err
	}
	if err := r.admit(ctx, s, opts.NotebookURI, mode == runtime.SessionModeConsole); err != nil {
		s.Dispose()
		return nil, err
	}
	return s, nil
}

// RegisterSession admits an externally created session. Its end handling is
// wired before it becomes visible.
func (r *Registry) RegisterSession(ctx context.Context, s runtime.Session, notebookURI string) error {
	return r.admit(ctx, s, notebookURI, false)
}

func (r *Registry) admit(ctx context.Context, s runtime.Session, notebookURI string, makeForeground bool) error {
	id := s.SessionID()
	entry := &sessionEntry{session: s, notebookURI: notebookURI}
	subscriptions := []func(){
		s.OnExit(func(info runtime.ExitInfo) { r.handleEnded(entry, info) }),
		s.OnStateChange(func(state runtime.State) {
			r.publish(events.EventTypeSessionStateChanged, entitySession, id, state)
		}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		detach(subscriptions)
		return fmt.Errorf("register session %s: %w", id, ErrClosed)
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		invariants.CheckSessionIDUnique(ctx, "registry.admit", id, false)
		detach(subscriptions)
		return fmt.Errorf("register session %s: %w", id, runtime.ErrSessionExists)
	}
	if entry.ended || s.State() == runtime.StateExited {
		entry.ended = true
		r.mu.Unlock()
		detach(subscriptions)
		return fmt.Errorf("register session %s: %w", id, runtime.ErrSessionExited)
	}
	entry.detach = subscriptions
	r.sessions[id] = entry
	r.order = append(r.order, id)
	if notebookURI != "" {
		r.notebooks[notebookURI] = id
	}
	foregroundChanged := makeForeground && r.foreground != id
	if foregroundChanged {
		r.foreground = id
	}
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", id,
		"runtime_id", s.RuntimeMetadata().RuntimeID,
		"session_mode", s.Metadata().SessionMode,
	)
	r.onStarted.Emit(s)
	r.publish(events.EventTypeSessionStarted, entitySession, id, runtime.SessionInfo{
		Runtime:  s.RuntimeMetadata(),
		Metadata: s.Metadata(),
	})
	if foregroundChanged {
		r.onForeground.Emit(id)
		r.publish(events.EventTypeForegroundSessionChanged, entitySession, id, id)
	}
	return nil
}

// handleEnded removes entry exactly once, clearing the foreground and
// notebook bindings before the end event is emitted.
func (r *Registry) handleEnded(entry *sessionEntry, info runtime.ExitInfo) {
	id := entry.session.SessionID()

	r.mu.Lock()
	if entry.ended {
		r.mu.Unlock()
		return
	}
	entry.ended = true
	subscriptions := entry.detach
	entry.detach = nil
	registered := r.sessions[id] == entry
	foregroundCleared := false
	if registered {
		delete(r.sessions, id)
		r.order = slices.DeleteFunc(r.order, func(candidate string) bool { return candidate == id })
		for uri, bound := range r.notebooks {
			if bound == id {
				delete(r.notebooks, uri)
			}
		}
		if r.foreground == id {
			r.foreground = ""
			foregroundCleared = true
		}
	}
	r.mu.Unlock()

	detach(subscriptions)
	if !registered {
		return
	}
	if info.SessionID == "" {
		info.SessionID = id
	}

	r.logger.Info("session ended", "session_id", id, "reason", info.Reason, "exit_code", info.ExitCode)
	if foregroundCleared {
		r.onForeground.Emit("")
		r.publish(events.EventTypeForegroundSessionChanged, entitySession, id, "")
	}
	r.onEnded.Emit(info)
	severity := events.SeverityInfo
	if !info.Graceful() && info.Reason != runtime.ExitReasonForcedQuit {
		severity = events.SeverityWarn
	}
	r.publishSeverity(events.EventTypeSessionEnded, entitySession, id, info, severity)
}

// ShutdownSession stops and removes a session. Unknown IDs are ignored.
func (r *Registry) ShutdownSession(ctx context.Context, sessionID string, reason runtime.ExitReason) error {
	if reason == "" {
		reason = runtime.ExitReasonShutdown
	}

	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	foregroundCleared := r.foreground == sessionID
	if foregroundCleared {
		r.foreground = ""
	}
	for uri, bound := range r.notebooks {
		if bound == sessionID {
			delete(r.notebooks, uri)
		}
	}
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "registry.shutdown_session", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	if foregroundCleared {
		r.onForeground.Emit("")
		r.publish(events.EventTypeForegroundSessionChanged, entitySession, sessionID, "")
	}

	s := entry.session
	if err := s.Shutdown(ctx, reason); err != nil {
		r.logger.Warn("graceful shutdown failed; forcing quit", "session_id", sessionID, "error", err)
		span.RecordError(err)
		if err := s.ForceQuit(ctx); err != nil {
			span.RecordError(err)
			r.logger.Error("force quit failed", "session_id", sessionID, "error", err)
		}
	}
	s.Dispose()

	r.handleEnded(entry, runtime.ExitInfo{
		SessionID:   sessionID,
		RuntimeName: s.RuntimeMetadata().RuntimeName,
		Reason:      reason,
	})
	span.SetStatus(codes.Ok, "session removed")
	return nil
}

// RestartSession replaces a session with a fresh one bound to the same
// runtime, mode and notebook. The new session has a new ID.
func (r *Registry) RestartSession(ctx context.Context, sessionID, name string) (runtime.Session, error) {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, &runtime.NoRuntimeFoundError{ID: sessionID}
	}

	old := entry.session
	opts := StartOptions{
		Runtime:     old.RuntimeMetadata(),
		Mode:        old.Metadata().SessionMode,
		Name:        firstNonEmpty(name, old.Metadata().SessionName),
		NotebookURI: entry.notebookURI,
	}
	if err := r.ShutdownSession(ctx, sessionID, runtime.ExitReasonRestart); err != nil {
		return nil, fmt.Errorf("restart session %s: %w", sessionID, err)
	}
	return r.StartSession(ctx, opts)
}

// InterruptSession interrupts a session. Unknown IDs are ignored.
func (r *Registry) InterruptSession(ctx context.Context, sessionID string) error {
	s, ok := r.GetSession(sessionID)
	if !ok {
		return nil
	}
	return s.Interrupt(ctx)
}

// FocusSession brings a known session to the foreground.
func (r *Registry) FocusSession(sessionID string) {
	if _, ok := r.GetSession(sessionID); !ok {
		return
	}
	r.SetForegroundSession(sessionID)
}

// SetForegroundSession changes the foreground session. Setting the current
// value is a no-op, "" clears it, and unknown IDs are ignored.
func (r *Registry) SetForegroundSession(sessionID string) {
	r.mu.Lock()
	if sessionID != "" {
		if _, ok := r.sessions[sessionID]; !ok {
			r.mu.Unlock()
			r.logger.Debug("ignored foreground change to unknown session", "session_id", sessionID)
			return
		}
	}
	if r.foreground == sessionID {
		r.mu.Unlock()
		return
	}
	r.foreground = sessionID
	r.mu.Unlock()

	r.onForeground.Emit(sessionID)
	r.publish(events.EventTypeForegroundSessionChanged, entitySession, sessionID, sessionID)
}

// ForegroundSession returns the foreground session ID, or "".
func (r *Registry) ForegroundSession() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.foreground
	_, active := r.sessions[id]
	invariants.CheckForegroundSessionActive(context.Background(), "registry.foreground", id, active)
	return id
}

// ActiveSessions returns active sessions in registration order.
func (r *Registry) ActiveSessions() []runtime.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]runtime.Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].session)
	}
	return out
}

// GetSession looks up an active session.
func (r *Registry) GetSession(sessionID string) (runtime.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// GetConsoleSessionForLanguage returns the first active console session of
// languageID.
func (r *Registry) GetConsoleSessionForLanguage(languageID string) (runtime.Session, bool) {
	return r.firstConsole(func(meta runtime.RuntimeMetadata) bool { return meta.LanguageID == languageID })
}

// GetConsoleSessionForRuntime returns the first active console session of
// runtimeID.
func (r *Registry) GetConsoleSessionForRuntime(runtimeID string) (runtime.Session, bool) {
	return r.firstConsole(func(meta runtime.RuntimeMetadata) bool { return meta.RuntimeID == runtimeID })
}

func (r *Registry) firstConsole(match func(runtime.RuntimeMetadata) bool) (runtime.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		s := r.sessions[id].session
		if s.Metadata().SessionMode == runtime.SessionModeConsole && match(s.RuntimeMetadata()) {
			return s, true
		}
	}
	return nil, false
}

// GetNotebookSessionForNotebookURI returns the session bound to uri.
func (r *Registry) GetNotebookSessionForNotebookURI(uri string) (runtime.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.notebooks[uri]
	if !ok {
		return nil, false
	}
	entry, active := r.sessions[id]
	invariants.CheckNotebookBindingActive(context.Background(), "registry.notebook_lookup", uri, id, active)
	if !active {
		return nil, false
	}
	return entry.session, true
}

// ValidateSession asks the language's manager whether sessionID is still
// reachable. It reports false when the manager cannot tell.
func (r *Registry) ValidateSession(ctx context.Context, languageID, sessionID string) (bool, error) {
	manager, ok := r.manager(languageID)
	if !ok {
		return false, nil
	}
	validator, ok := manager.(runtime.SessionValidator)
	if !ok {
		return false, nil
	}
	valid, err := validator.ValidateSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("validate session %s: %w", sessionID, err)
	}
	return valid, nil
}

// Close shuts every active session down and rejects later starts.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := slices.Clone(r.order)
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.ShutdownSession(ctx, id, runtime.ExitReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) publish(eventType, entityType, entityID string, payload any) {
	r.publishSeverity(eventType, entityType, entityID, payload, events.SeverityInfo)
}

func (r *Registry) publishSeverity(eventType, entityType, entityID string, payload any, severity string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:       eventType,
		Timestamp:  r.clock().UTC(),
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Severity:   severity,
	})
}

func detach(subscriptions []func()) {
	for _, unsubscribe := range subscriptions {
		unsubscribe()
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
