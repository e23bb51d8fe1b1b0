package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// MainThread receives everything the Host forwards across the boundary.
type MainThread interface {
	Deliver(ctx context.Context, record Record) error
	RuntimeDiscovered(ctx context.Context, meta runtime.RuntimeMetadata)
	DiscoveryComplete(ctx context.Context, languageID string)
}

// HostAPI is the handle-indexed surface the main side calls.
type HostAPI interface {
	CreateSession(ctx context.Context, runtimeMeta runtime.RuntimeMetadata, sessionMeta runtime.SessionMetadata) (CreateResult, error)
	Start(ctx context.Context, handle int) (runtime.KernelInfo, error)
	Execute(ctx context.Context, handle int, req runtime.ExecuteRequest) error
	Interrupt(ctx context.Context, handle int) error
	ReplyToInput(ctx context.Context, handle int, parentID, value string) error
	Restart(ctx context.Context, handle int) error
	Shutdown(ctx context.Context, handle int, reason runtime.ExitReason) error
	ForceQuit(ctx context.Context, handle int) error
	SetWorkingDirectory(ctx context.Context, handle int, path string) error
	CreateClient(ctx context.Context, handle int, clientType runtime.ClientType, params json.RawMessage) (runtime.ClientInstance, error)
	ListClients(ctx context.Context, handle int, clientType runtime.ClientType) (map[string]ClientEntry, error)
	SendClientMessage(ctx context.Context, handle int, clientID, messageID string, data json.RawMessage) error
	RemoveClient(ctx context.Context, handle int, clientID string) error
}

// HostOptions configures a Host.
type HostOptions struct {
	Logger *log.Logger
	Tracer trace.Tracer
	Clock  func() time.Time
}

type hostedSession struct {
	session runtime.Session
	detach  []func()
}

// Host owns sessions on the extension side and addresses them by handle.
// Handles increase monotonically and are never reused.
type Host struct {
	main   MainThread
	logger *log.Logger
	tracer trace.Tracer
	clock  func() time.Time

	mu         sync.Mutex
	managers   map[string]runtime.RuntimeManager
	nextHandle int
	sessions   map[int]*hostedSession
	handles    map[string]int
}

var _ HostAPI = (*Host)(nil)

// NewHost builds a Host forwarding to main.
func NewHost(main MainThread, opts HostOptions) *Host {
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("khost/bridge")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Host{
		main:     main,
		logger:   logging.OrDiscard(opts.Logger),
		tracer:   opts.Tracer,
		clock:    opts.Clock,
		managers: map[string]runtime.RuntimeManager{},
		sessions: map[int]*hostedSession{},
		handles:  map[string]int{},
	}
}

// RegisterLanguageRuntimeManager installs the factory for languageID on this
// side of the boundary. The last registration wins.
func (h *Host) RegisterLanguageRuntimeManager(languageID string, manager runtime.RuntimeManager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.managers[languageID] = manager
}

// CreateSession creates a session with the language's manager and returns
// its handle. Every session event is forwarded to the main side as a record.
func (h *Host) CreateSession(ctx context.Context, runtimeMeta runtime.RuntimeMetadata, sessionMeta runtime.SessionMetadata) (CreateResult, error) {
	ctx, span := h.tracer.Start(ctx, "bridge.create_session", trace.WithAttributes(
		attribute.String("runtime_id", runtimeMeta.RuntimeID),
		attribute.String("language_id", runtimeMeta.LanguageID),
		attribute.String("session_id", sessionMeta.SessionID),
	))
	defer span.End()

	h.mu.Lock()
	manager, ok := h.managers[runtimeMeta.LanguageID]
	h.mu.Unlock()
	if !ok {
		err := &runtime.NoRuntimeManagerError{LanguageID: runtimeMeta.LanguageID}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CreateResult{}, err
	}

	s, err := manager.CreateSession(ctx, runtimeMeta, sessionMeta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CreateResult{}, fmt.Errorf("create session %s: %w", sessionMeta.SessionID, err)
	}

	h.mu.Lock()
	h.nextHandle++
	handle := h.nextHandle
	h.mu.Unlock()

	hosted := &hostedSession{session: s}
	hosted.detach = []func(){
		s.OnMessage(func(msg runtime.Message) { h.forward(handle, RecordMessage, msg) }),
		s.OnStateChange(func(state runtime.State) { h.forward(handle, RecordState, statePayload{State: state}) }),
		s.OnClientEvent(func(event runtime.ClientEvent) { h.forward(handle, RecordClientEvent, event) }),
		s.OnExit(func(info runtime.ExitInfo) {
			h.forward(handle, RecordExit, info)
			h.release(handle)
		}),
	}

	h.mu.Lock()
	h.sessions[handle] = hosted
	h.handles[s.SessionID()] = handle
	h.mu.Unlock()

	span.SetAttributes(attribute.Int("handle", handle))
	span.SetStatus(codes.Ok, "session created")
	h.logger.Debug("session hosted", "handle", handle, "session_id", s.SessionID())
	return CreateResult{Handle: handle, DynState: s.DynState()}, nil
}

// Handle returns the live handle of sessionID.
func (h *Host) Handle(sessionID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.handles[sessionID]
	return handle, ok
}

// Start returns ErrUnknownHandle for handles that are not live.
func (h *Host) Start(ctx context.Context, handle int) (runtime.KernelInfo, error) {
	s, ok := h.lookup(handle)
	if !ok {
		return runtime.KernelInfo{}, fmt.Errorf("start handle %d: %w", handle, ErrUnknownHandle)
	}
	return s.Start(ctx)
}

func (h *Host) Execute(ctx context.Context, handle int, req runtime.ExecuteRequest) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.Execute(ctx, req)
}

func (h *Host) Interrupt(ctx context.Context, handle int) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.Interrupt(ctx)
}

func (h *Host) ReplyToInput(ctx context.Context, handle int, parentID, value string) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.ReplyToInput(ctx, parentID, value)
}

func (h *Host) Restart(ctx context.Context, handle int) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.Restart(ctx)
}

func (h *Host) Shutdown(ctx context.Context, handle int, reason runtime.ExitReason) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.Shutdown(ctx, reason)
}

func (h *Host) ForceQuit(ctx context.Context, handle int) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.ForceQuit(ctx)
}

func (h *Host) SetWorkingDirectory(ctx context.Context, handle int, path string) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.SetWorkingDirectory(ctx, path)
}

// CreateClient fails with a *runtime.ChannelCreationError wrapping
// ErrUnknownHandle for handles that are not live.
func (h *Host) CreateClient(ctx context.Context, handle int, clientType runtime.ClientType, params json.RawMessage) (runtime.ClientInstance, error) {
	s, ok := h.lookup(handle)
	if !ok {
		return runtime.ClientInstance{}, &runtime.ChannelCreationError{ClientType: clientType, Err: ErrUnknownHandle}
	}
	return s.CreateClient(ctx, clientType, params)
}

// ListClients re-keys the session's channels by client ID, keeping each
// channel's creation position. Unknown handles yield an empty map.
func (h *Host) ListClients(ctx context.Context, handle int, clientType runtime.ClientType) (map[string]ClientEntry, error) {
	out := map[string]ClientEntry{}
	s, ok := h.lookup(handle)
	if !ok {
		return out, nil
	}
	clients, err := s.ListClients(ctx, clientType)
	if err != nil {
		return out, err
	}
	for i, client := range clients {
		out[client.ClientID] = ClientEntry{ClientInstance: client, Position: i}
	}
	return out, nil
}

func (h *Host) SendClientMessage(ctx context.Context, handle int, clientID, messageID string, data json.RawMessage) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.SendClientMessage(ctx, clientID, messageID, data)
}

func (h *Host) RemoveClient(ctx context.Context, handle int, clientID string) error {
	s, ok := h.lookup(handle)
	if !ok {
		return nil
	}
	return s.RemoveClient(ctx, clientID)
}

// DiscoverAllRuntimes asks every discovering manager to enumerate runtimes
// concurrently. Each runtime is forwarded as it is found, and each language
// reports completion on its own.
func (h *Host) DiscoverAllRuntimes(ctx context.Context) error {
	h.mu.Lock()
	discoverers := map[string]runtime.Discoverer{}
	for languageID, manager := range h.managers {
		if discoverer, ok := manager.(runtime.Discoverer); ok {
			discoverers[languageID] = discoverer
		}
	}
	h.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for languageID, discoverer := range discoverers {
		group.Go(func() error {
			found := 0
			for meta := range discoverer.DiscoverRuntimes(groupCtx) {
				if err := groupCtx.Err(); err != nil {
					return fmt.Errorf("discover %s runtimes: %w", languageID, err)
				}
				found++
				h.main.RuntimeDiscovered(groupCtx, meta)
			}
			h.logger.Info("runtime discovery complete", "language_id", languageID, "found", found)
			h.main.DiscoveryComplete(groupCtx, languageID)
			return nil
		})
	}
	return group.Wait()
}

func (h *Host) lookup(handle int) (runtime.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hosted, ok := h.sessions[handle]
	if !ok {
		return nil, false
	}
	return hosted.session, true
}

func (h *Host) forward(handle int, kind RecordKind, payload any) {
	record, err := newRecord(handle, kind, payload, h.clock())
	if err != nil {
		h.logger.Error("drop session event", "handle", handle, "kind", kind, "error", err)
		return
	}
	if err := h.main.Deliver(context.Background(), record); err != nil {
		h.logger.Warn("main side rejected record", "handle", handle, "kind", kind, "error", err)
	}
}

// release removes handle from both maps and detaches its subscriptions.
func (h *Host) release(handle int) {
	h.mu.Lock()
	hosted, ok := h.sessions[handle]
	if ok {
		delete(h.sessions, handle)
		delete(h.handles, hosted.session.SessionID())
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, unsubscribe := range hosted.detach {
		unsubscribe()
	}
	h.logger.Debug("session handle released", "handle", handle)
}
