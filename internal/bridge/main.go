package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/registry"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/telemetry/invariants"
)

// MainOptions configures a Main.
type MainOptions struct {
	Registry *registry.Registry
	Bus      events.Bus
	Logger   *log.Logger
	Clock    func() time.Time
}

// Main is the main-side end of the bridge. It routes records to
// RemoteSessions by handle and registers discovered runtimes.
type Main struct {
	registry *registry.Registry
	bus      events.Bus
	logger   *log.Logger
	clock    func() time.Time

	mu      sync.RWMutex
	host    HostAPI
	remotes map[int]*RemoteSession

	discoveryComplete events.Emitter[string]
}

var _ MainThread = (*Main)(nil)

// NewMain builds a Main. Attach must be called before sessions are created.
func NewMain(opts MainOptions) *Main {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Main{
		registry: opts.Registry,
		bus:      opts.Bus,
		logger:   logging.OrDiscard(opts.Logger),
		clock:    opts.Clock,
		remotes:  map[int]*RemoteSession{},
	}
}

// Attach sets the host-side API this Main calls into.
func (m *Main) Attach(host HostAPI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host = host
}

// Connect wires an in-process Host and Main pair.
func Connect(mainOpts MainOptions, hostOpts HostOptions) (*Host, *Main) {
	mainSide := NewMain(mainOpts)
	host := NewHost(mainSide, hostOpts)
	mainSide.Attach(host)
	return host, mainSide
}

// OnDiscoveryComplete fires once per language when its discovery finishes.
func (m *Main) OnDiscoveryComplete(fn func(languageID string)) func() {
	return m.discoveryComplete.On(fn)
}

// ManagerFor returns a RuntimeManager that creates sessions of languageID
// through the boundary.
func (m *Main) ManagerFor(languageID string) runtime.RuntimeManager {
	return &remoteManager{main: m, languageID: languageID}
}

// RegisterLanguage installs ManagerFor(languageID) in the registry and
// returns its unregister func.
func (m *Main) RegisterLanguage(languageID string) func() {
	if m.registry == nil {
		return func() {}
	}
	return m.registry.RegisterLanguageRuntimeManager(languageID, m.ManagerFor(languageID))
}

// Deliver routes one record to its RemoteSession. Records for unknown
// handles are dropped.
func (m *Main) Deliver(ctx context.Context, record Record) error {
	if record.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("record version %d: %w", record.ProtocolVersion, ErrUnsupportedProtocol)
	}

	m.mu.RLock()
	remote, ok := m.remotes[record.Handle]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("dropped record for unknown handle", "handle", record.Handle, "kind", record.Kind)
		return nil
	}

	switch record.Kind {
	case RecordMessage:
		msg, err := runtime.DecodeMessage(record.Payload)
		if err != nil {
			return fmt.Errorf("decode message record for handle %d: %w", record.Handle, err)
		}
		remote.messages.Emit(msg)
	case RecordState:
		var payload statePayload
		if err := json.Unmarshal(record.Payload, &payload); err != nil {
			return fmt.Errorf("decode state record for handle %d: %w", record.Handle, err)
		}
		if !payload.State.Valid() {
			return fmt.Errorf("state record for handle %d: unknown state %q", record.Handle, payload.State)
		}
		remote.setState(payload.State)
	case RecordClientEvent:
		var event runtime.ClientEvent
		if err := json.Unmarshal(record.Payload, &event); err != nil {
			return fmt.Errorf("decode client event record for handle %d: %w", record.Handle, err)
		}
		remote.clientEvents.Emit(event)
	case RecordExit:
		var info runtime.ExitInfo
		if err := json.Unmarshal(record.Payload, &info); err != nil {
			return fmt.Errorf("decode exit record for handle %d: %w", record.Handle, err)
		}
		m.mu.Lock()
		delete(m.remotes, record.Handle)
		m.mu.Unlock()
		first := remote.markExited()
		invariants.CheckExitEventOnce(ctx, "bridge.main.deliver", info.SessionID, first)
		if first {
			remote.exits.Emit(info)
		}
	default:
		return fmt.Errorf("record kind %q for handle %d: %w", record.Kind, record.Handle, ErrUnsupportedProtocol)
	}
	return nil
}

// RuntimeDiscovered registers meta in the registry.
func (m *Main) RuntimeDiscovered(_ context.Context, meta runtime.RuntimeMetadata) {
	if m.registry == nil {
		return
	}
	m.registry.RegisterRuntime(meta)
}

// DiscoveryComplete reports that languageID finished enumerating runtimes.
func (m *Main) DiscoveryComplete(_ context.Context, languageID string) {
	m.discoveryComplete.Emit(languageID)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventTypeRuntimeDiscoveryComplete,
			Timestamp:  m.clock().UTC(),
			EntityType: "language",
			EntityID:   languageID,
			Payload:    languageID,
			Severity:   events.SeverityInfo,
		})
	}
}

func (m *Main) createSession(ctx context.Context, runtimeMeta runtime.RuntimeMetadata, sessionMeta runtime.SessionMetadata) (runtime.Session, error) {
	m.mu.RLock()
	host := m.host
	m.mu.RUnlock()
	if host == nil {
		return nil, fmt.Errorf("create session %s: bridge host not attached", sessionMeta.SessionID)
	}

	result, err := host.CreateSession(ctx, runtimeMeta, sessionMeta)
	if err != nil {
		return nil, err
	}

	remote := &RemoteSession{
		host:        host,
		handle:      result.Handle,
		runtimeMeta: runtimeMeta,
		meta:        sessionMeta,
		dyn:         result.DynState,
		state:       runtime.StateUninitialized,
	}
	m.mu.Lock()
	m.remotes[result.Handle] = remote
	m.mu.Unlock()
	return remote, nil
}

type remoteManager struct {
	main       *Main
	languageID string
}

func (r *remoteManager) CreateSession(ctx context.Context, runtimeMeta runtime.RuntimeMetadata, sessionMeta runtime.SessionMetadata) (runtime.Session, error) {
	if runtimeMeta.LanguageID != r.languageID {
		return nil, &runtime.NoRuntimeManagerError{LanguageID: runtimeMeta.LanguageID}
	}
	return r.main.createSession(ctx, runtimeMeta, sessionMeta)
}
