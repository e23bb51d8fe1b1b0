// Package session implements the lifecycle of one kernel session on top of
// a Kernel transport.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultShutdownTimeout bounds how long Shutdown and ForceQuit wait for the
// kernel to close its message stream before escalating.
const DefaultShutdownTimeout = 10 * time.Second

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotStarted is returned by operations that need a started kernel.
	ErrNotStarted = errors.New("session not started")
)

// Options configures a Session. The zero value is usable.
type Options struct {
	Logger          *log.Logger
	Tracer          trace.Tracer
	Recorder        state.Recorder
	Clock           func() time.Time
	ShutdownTimeout time.Duration
	NewID           func() string
}

// Session is a runtime.Session backed by a Kernel.
type Session struct {
	runtimeMeta runtime.RuntimeMetadata
	meta        runtime.SessionMetadata
	kernel      Kernel
	machine     *state.Machine
	logger      *log.Logger
	tracer      trace.Tracer
	clock       func() time.Time
	newID       func() string
	shutdownTTL time.Duration

	mu        sync.Mutex
	dyn       runtime.DynState
	started   bool
	requested runtime.ExitReason
	clients   []runtime.ClientInstance
	createMu  sync.Mutex

	pumpOnce sync.Once
	pumpDone chan struct{}
	exitOnce sync.Once
	exitDone chan struct{}
	exitInfo runtime.ExitInfo

	messages     events.Emitter[runtime.Message]
	stateChanges events.Emitter[runtime.State]
	exits        events.Emitter[runtime.ExitInfo]
	clientEvents events.Emitter[runtime.ClientEvent]
}

var _ runtime.Session = (*Session)(nil)

// New builds an uninitialized session. A blank session ID is minted from the
// runtime's language.
func New(runtimeMeta runtime.RuntimeMetadata, sessionMeta runtime.SessionMetadata, kernel Kernel, opts Options) *Session {
	sessionMeta.SessionID = strings.TrimSpace(sessionMeta.SessionID)
	if sessionMeta.SessionID == "" {
		sessionMeta.SessionID = runtime.NewSessionID(runtimeMeta.LanguageID)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if sessionMeta.CreatedAt.IsZero() {
		sessionMeta.CreatedAt = opts.Clock().UTC()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("khost/session")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	// The ID is non-blank here, so NewMachine cannot fail.
	machine, _ := state.NewMachine(
		sessionMeta.SessionID,
		state.WithTracer(opts.Tracer),
		state.WithRecorder(opts.Recorder),
		state.WithClock(opts.Clock),
	)

	return &Session{
		runtimeMeta: runtimeMeta,
		meta:        sessionMeta,
		kernel:      kernel,
		machine:     machine,
		logger: logging.OrDiscard(opts.Logger).With(
			"session_id", sessionMeta.SessionID,
			"runtime_id", runtimeMeta.RuntimeID,
		),
		tracer:      opts.Tracer,
		clock:       opts.Clock,
		newID:       opts.NewID,
		shutdownTTL: opts.ShutdownTimeout,
		pumpDone:    make(chan struct{}),
		exitDone:    make(chan struct{}),
	}
}

func (s *Session) SessionID() string                        { return s.meta.SessionID }
func (s *Session) RuntimeMetadata() runtime.RuntimeMetadata { return s.runtimeMeta }
func (s *Session) Metadata() runtime.SessionMetadata        { return s.meta }
func (s *Session) State() runtime.State                     { return s.machine.Current() }

// DynState returns the prompts reported by the kernel.
func (s *Session) DynState() runtime.DynState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dyn
}

// Done is closed once the exit event has fired.
func (s *Session) Done() <-chan struct{} {
	return s.exitDone
}

// ExitInfo returns the exit record. It is zero until Done is closed.
func (s *Session) ExitInfo() runtime.ExitInfo {
	select {
	case <-s.exitDone:
		return s.exitInfo
	default:
		return runtime.ExitInfo{}
	}
}

// Start connects the kernel. A failure is terminal: the session exits with
// reason startup_failed and the error is a *runtime.StartupError.
func (s *Session) Start(ctx context.Context) (runtime.KernelInfo, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return runtime.KernelInfo{}, ErrAlreadyStarted
	}
	if s.machine.Current() == runtime.StateExited {
		s.mu.Unlock()
		return runtime.KernelInfo{}, runtime.ErrSessionExited
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("session_id", s.meta.SessionID),
		attribute.String("runtime_id", s.runtimeMeta.RuntimeID),
		attribute.String("session_mode", string(s.meta.SessionMode)),
	))
	defer span.End()

	s.setState(ctx, runtime.StateStarting, "start requested")

	info, err := s.kernel.Connect(ctx)
	if err != nil {
		startErr := &runtime.StartupError{SessionID: s.meta.SessionID, Err: err}
		span.RecordError(startErr)
		span.SetStatus(codes.Error, startErr.Error())
		s.logger.Error("kernel failed to start", "error", err)

		if killErr := s.kernel.Kill(); killErr != nil {
			s.logger.Debug("kill after failed start", "error", killErr)
		}
		s.closePump()
		s.finish(ctx, runtime.ExitReasonStartupFailed, -1, err.Error())
		return runtime.KernelInfo{}, startErr
	}

	s.mu.Lock()
	s.dyn = runtime.DynState{
		InputPrompt:        info.InputPrompt,
		ContinuationPrompt: info.ContinuationPrompt,
	}
	s.mu.Unlock()

	s.setState(ctx, runtime.StateIdle, "kernel connected")
	go s.pump()

	span.SetStatus(codes.Ok, "session started")
	s.logger.Info("session started", "language_version", info.LanguageVersion)
	return info, nil
}

// Execute submits code. Transport failures surface as an error message whose
// parent is the execution ID rather than as a returned error.
func (s *Session) Execute(ctx context.Context, req runtime.ExecuteRequest) error {
	switch s.machine.Current() {
	case runtime.StateExited:
		return runtime.ErrSessionExited
	case runtime.StateUninitialized:
		return ErrNotStarted
	}
	if req.ExecutionID == "" {
		req.ExecutionID = s.newID()
	}
	if req.Mode == "" {
		req.Mode = runtime.ExecuteModeInteractive
	}
	if req.ErrorBehavior == "" {
		req.ErrorBehavior = runtime.ErrorBehaviorStop
	}

	if err := s.kernel.Execute(ctx, req); err != nil {
		s.logger.Warn("execute failed", "execution_id", req.ExecutionID, "error", err)
		s.emitTransportError(req.ExecutionID, "ExecuteError", err)
	}
	return nil
}

// Interrupt is a no-op unless the session is busy.
func (s *Session) Interrupt(ctx context.Context) error {
	changed, err := s.machine.TransitionFrom(ctx, runtime.StateBusy, runtime.StateInterrupting, "interrupt requested")
	if err != nil {
		s.logger.Warn("state transition recorded with error", "to", runtime.StateInterrupting, "error", err)
	}
	if !changed {
		return nil
	}
	s.stateChanges.Emit(runtime.StateInterrupting)
	if err := s.kernel.Interrupt(ctx); err != nil {
		s.logger.Warn("interrupt failed", "error", err)
		s.emitTransportError("", "InterruptError", err)
	}
	return nil
}

// ReplyToInput answers an input request.
func (s *Session) ReplyToInput(ctx context.Context, parentID, value string) error {
	if !s.machine.Current().Alive() {
		return nil
	}
	if err := s.kernel.ReplyToInput(ctx, parentID, value); err != nil {
		return fmt.Errorf("reply to input %s: %w", parentID, err)
	}
	return nil
}

// SetWorkingDirectory changes the kernel's working directory.
func (s *Session) SetWorkingDirectory(ctx context.Context, path string) error {
	if !s.machine.Current().Alive() {
		return nil
	}
	if err := s.kernel.SetWorkingDirectory(ctx, path); err != nil {
		return fmt.Errorf("set working directory %q: %w", path, err)
	}
	return nil
}

// Restart ends this session with reason restart. The replacement session is
// created by the caller.
func (s *Session) Restart(ctx context.Context) error {
	return s.Shutdown(ctx, runtime.ExitReasonRestart)
}

// Shutdown asks the kernel to exit and falls back to Kill when the request
// fails or the kernel does not close its stream in time. The session always
// ends in exited.
func (s *Session) Shutdown(ctx context.Context, reason runtime.ExitReason) error {
	if reason == "" {
		reason = runtime.ExitReasonShutdown
	}
	if s.machine.Current() == runtime.StateExited {
		return nil
	}
	if !s.markRequested(reason) {
		s.closePump()
		s.finish(ctx, reason, 0, "")
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "session.shutdown", trace.WithAttributes(
		attribute.String("session_id", s.meta.SessionID),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	if err := s.kernel.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown failed; killing kernel", "error", err)
		span.RecordError(err)
		s.kill()
	}
	if !s.waitPump(ctx) {
		s.logger.Warn("kernel did not exit in time; killing kernel")
		span.AddEvent("shutdown.escalated")
		s.kill()
		s.waitPump(ctx)
	}

	s.finish(ctx, reason, s.exitCode(), "")
	span.SetStatus(codes.Ok, "session exited")
	return nil
}

// ForceQuit kills the kernel without a handshake. The session always ends in
// exited.
func (s *Session) ForceQuit(ctx context.Context) error {
	if s.machine.Current() == runtime.StateExited {
		return nil
	}
	reason := runtime.ExitReasonForcedQuit
	if !s.markRequested(reason) {
		s.closePump()
		s.finish(ctx, reason, 0, "")
		return nil
	}

	s.kill()
	s.waitPump(ctx)
	s.finish(ctx, reason, s.exitCode(), "")
	return nil
}

// CreateClient returns the open channel of clientType, opening one when none
// exists.
func (s *Session) CreateClient(ctx context.Context, clientType runtime.ClientType, params json.RawMessage) (runtime.ClientInstance, error) {
	if !s.machine.Current().Alive() {
		return runtime.ClientInstance{}, &runtime.ChannelCreationError{ClientType: clientType, Err: runtime.ErrSessionExited}
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if existing, ok := s.firstClient(clientType); ok {
		return existing, nil
	}

	commID := s.newID()
	if err := s.kernel.OpenComm(ctx, commID, string(clientType), params); err != nil {
		s.logger.Warn("open client channel failed", "client_type", clientType, "error", err)
		return runtime.ClientInstance{}, &runtime.ChannelCreationError{ClientType: clientType, Err: err}
	}

	client := runtime.ClientInstance{ClientID: commID, ClientType: clientType, CommID: commID}
	s.addClient(client)
	s.logger.Debug("client channel opened", "client_id", client.ClientID, "client_type", clientType)
	return client, nil
}

// ListClients returns open channels in creation order. An empty type lists
// every channel.
func (s *Session) ListClients(_ context.Context, clientType runtime.ClientType) ([]runtime.ClientInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runtime.ClientInstance, 0, len(s.clients))
	for _, client := range s.clients {
		if clientType == "" || client.ClientType == clientType {
			out = append(out, client)
		}
	}
	return out, nil
}

// SendClientMessage delivers data on a channel. Unknown channels are ignored.
func (s *Session) SendClientMessage(ctx context.Context, clientID, messageID string, data json.RawMessage) error {
	client, ok := s.client(clientID)
	if !ok || !s.machine.Current().Alive() {
		return nil
	}
	if err := s.kernel.SendComm(ctx, client.CommID, messageID, data); err != nil {
		return fmt.Errorf("send on client %s: %w", clientID, err)
	}
	return nil
}

// RemoveClient closes a channel. Unknown channels are ignored.
func (s *Session) RemoveClient(ctx context.Context, clientID string) error {
	client, ok := s.removeClient(clientID)
	if !ok || !s.machine.Current().Alive() {
		return nil
	}
	if err := s.kernel.CloseComm(ctx, client.CommID); err != nil {
		return fmt.Errorf("close client %s: %w", clientID, err)
	}
	return nil
}

func (s *Session) OnMessage(fn func(runtime.Message)) func()         { return s.messages.On(fn) }
func (s *Session) OnStateChange(fn func(runtime.State)) func()       { return s.stateChanges.On(fn) }
func (s *Session) OnExit(fn func(runtime.ExitInfo)) func()           { return s.exits.On(fn) }
func (s *Session) OnClientEvent(fn func(runtime.ClientEvent)) func() { return s.clientEvents.On(fn) }

// Dispose detaches every listener and force-quits a live kernel.
func (s *Session) Dispose() {
	s.messages.Clear()
	s.stateChanges.Clear()
	s.exits.Clear()
	s.clientEvents.Clear()

	if s.machine.Current() == runtime.StateExited {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTTL)
	defer cancel()
	_ = s.ForceQuit(ctx)
}

func (s *Session) pump() {
	defer s.closePump()
	ctx := context.Background()

	for msg := range s.kernel.Messages() {
		s.handleMessage(ctx, msg)
	}

	s.mu.Lock()
	requested := s.requested
	s.mu.Unlock()

	code := s.kernel.ExitCode()
	reason := requested
	message := ""
	if reason == "" {
		reason = runtime.ExitReasonError
		message = fmt.Sprintf("kernel exited unexpectedly with code %d", code)
		s.logger.Warn("kernel exited unexpectedly", "exit_code", code)
	}
	s.finish(ctx, reason, code, message)
}

func (s *Session) handleMessage(ctx context.Context, msg runtime.Message) {
	switch body := msg.Body.(type) {
	case runtime.StateChange:
		switch body.State {
		case runtime.StateIdle, runtime.StateBusy, runtime.StateOffline, runtime.StateInterrupting:
			s.setState(ctx, body.State, "kernel status")
		default:
			s.logger.Debug("ignoring kernel status", "state", body.State)
		}
	case runtime.CommOpen:
		if _, ok := s.client(body.CommID); !ok {
			s.addClient(runtime.ClientInstance{
				ClientID:   body.CommID,
				ClientType: runtime.ClientType(body.TargetName),
				CommID:     body.CommID,
			})
		}
	case runtime.CommClosed:
		s.removeClient(body.CommID)
	}

	s.messages.Emit(msg)

	if data, ok := msg.Body.(runtime.CommData); ok {
		if event, ok := pushEvent(data); ok {
			s.clientEvents.Emit(event)
		}
	}
}

// pushEvent reports comm data shaped like a JSON-RPC notification.
func pushEvent(data runtime.CommData) (runtime.ClientEvent, bool) {
	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data.Data, &envelope); err != nil {
		return runtime.ClientEvent{}, false
	}
	if envelope.Method == "" || (len(envelope.ID) > 0 && string(envelope.ID) != "null") {
		return runtime.ClientEvent{}, false
	}
	return runtime.ClientEvent{ClientID: data.CommID, Name: envelope.Method, Data: envelope.Params}, true
}

func (s *Session) setState(ctx context.Context, to runtime.State, reason string) {
	changed, err := s.machine.Transition(ctx, to, reason)
	if err != nil {
		var illegal *state.IllegalTransitionError
		if errors.As(err, &illegal) {
			s.logger.Debug("ignored state transition", "from", illegal.FromState, "to", to)
			return
		}
		s.logger.Warn("state transition recorded with error", "to", to, "error", err)
	}
	if changed {
		s.stateChanges.Emit(to)
	}
}

// finish fires the exit event exactly once.
func (s *Session) finish(ctx context.Context, reason runtime.ExitReason, code int, message string) {
	fired := false
	s.exitOnce.Do(func() {
		fired = true
		s.setState(ctx, runtime.StateExited, string(reason))

		s.mu.Lock()
		s.clients = nil
		s.mu.Unlock()

		s.exitInfo = runtime.ExitInfo{
			SessionID:   s.meta.SessionID,
			RuntimeName: s.runtimeMeta.RuntimeName,
			ExitCode:    code,
			Reason:      reason,
			Message:     message,
		}
		s.logger.Info("session exited", "reason", reason, "exit_code", code)
		s.exits.Emit(s.exitInfo)
		close(s.exitDone)
	})
	if !fired {
		s.logger.Debug("exit already reported", "reason", reason)
	}
}

func (s *Session) emitTransportError(parentID, name string, err error) {
	s.messages.Emit(runtime.Message{
		ID:       s.newID(),
		ParentID: parentID,
		When:     s.clock().UTC(),
		Body:     runtime.ExecError{Name: name, Message: err.Error()},
	})
}

// markRequested records the first requested exit reason and reports whether
// a kernel was ever started.
func (s *Session) markRequested(reason runtime.ExitReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requested == "" {
		s.requested = reason
	}
	return s.started
}

func (s *Session) kill() {
	if err := s.kernel.Kill(); err != nil {
		s.logger.Debug("kill kernel", "error", err)
	}
}

func (s *Session) closePump() {
	s.pumpOnce.Do(func() { close(s.pumpDone) })
}

// waitPump reports whether the pump finished within the shutdown timeout.
func (s *Session) waitPump(ctx context.Context) bool {
	timer := time.NewTimer(s.shutdownTTL)
	defer timer.Stop()
	select {
	case <-s.pumpDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) exitCode() int {
	select {
	case <-s.pumpDone:
		return s.kernel.ExitCode()
	default:
		return -1
	}
}

func (s *Session) firstClient(clientType runtime.ClientType) (runtime.ClientInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, client := range s.clients {
		if client.ClientType == clientType {
			return client, true
		}
	}
	return runtime.ClientInstance{}, false
}

func (s *Session) client(clientID string) (runtime.ClientInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, client := range s.clients {
		if client.ClientID == clientID {
			return client, true
		}
	}
	return runtime.ClientInstance{}, false
}

func (s *Session) addClient(client runtime.ClientInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, client)
}

func (s *Session) removeClient(clientID string) (runtime.ClientInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, client := range s.clients {
		if client.ClientID == clientID {
			s.clients = append(s.clients[:i:i], s.clients[i+1:]...)
			return client, true
		}
	}
	return runtime.ClientInstance{}, false
}
