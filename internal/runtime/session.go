package runtime

import (
	"context"
	"encoding/json"
	"iter"
)

// Session is one live kernel session as seen by the registry and features.
type Session interface {
	SessionID() string
	RuntimeMetadata() RuntimeMetadata
	Metadata() SessionMetadata
	DynState() DynState
	State() State

	Start(ctx context.Context) (KernelInfo, error)
	Execute(ctx context.Context, req ExecuteRequest) error
	Interrupt(ctx context.Context) error
	ReplyToInput(ctx context.Context, parentID, value string) error
	Restart(ctx context.Context) error
	Shutdown(ctx context.Context, reason ExitReason) error
	ForceQuit(ctx context.Context) error
	SetWorkingDirectory(ctx context.Context, path string) error

	CreateClient(ctx context.Context, clientType ClientType, params json.RawMessage) (ClientInstance, error)
	ListClients(ctx context.Context, clientType ClientType) ([]ClientInstance, error)
	SendClientMessage(ctx context.Context, clientID, messageID string, data json.RawMessage) error
	RemoveClient(ctx context.Context, clientID string) error

	// Each On* method returns a func that detaches the listener.
	OnMessage(fn func(Message)) func()
	OnStateChange(fn func(State)) func()
	OnExit(fn func(ExitInfo)) func()
	OnClientEvent(fn func(ClientEvent)) func()

	Dispose()
}

// RuntimeManager creates sessions for one language.
type RuntimeManager interface {
	CreateSession(ctx context.Context, runtimeMeta RuntimeMetadata, sessionMeta SessionMetadata) (Session, error)
}

// MetadataValidator is implemented by managers that can refresh or reject
// runtime metadata before a session is created.
type MetadataValidator interface {
	ValidateMetadata(ctx context.Context, meta RuntimeMetadata) (RuntimeMetadata, error)
}

// SessionValidator is implemented by managers that can tell whether a
// persisted session is still reachable.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string) (bool, error)
}

// Discoverer is implemented by managers that can enumerate installed runtimes.
type Discoverer interface {
	DiscoverRuntimes(ctx context.Context) iter.Seq[RuntimeMetadata]
}
