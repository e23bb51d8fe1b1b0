package bridge

import (
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/runtime"
)

// RemoteSession is the main-side view of a hosted session. Every operation
// is a handle call; state and events arrive as records.
type RemoteSession struct {
	host        HostAPI
	handle      int
	runtimeMeta runtime.RuntimeMetadata
	meta        runtime.SessionMetadata

	mu     sync.Mutex
	dyn    runtime.DynState
	state  runtime.State
	exited bool

	messages     events.Emitter[runtime.Message]
	stateChanges events.Emitter[runtime.State]
	exits        events.Emitter[runtime.ExitInfo]
	clientEvents events.Emitter[runtime.ClientEvent]
}

var _ runtime.Session = (*RemoteSession)(nil)

// Handle returns the boundary handle of the session.
func (r *RemoteSession) Handle() int { return r.handle }

func (r *RemoteSession) SessionID() string                        { return r.meta.SessionID }
func (r *RemoteSession) RuntimeMetadata() runtime.RuntimeMetadata { return r.runtimeMeta }
func (r *RemoteSession) Metadata() runtime.SessionMetadata        { return r.meta }

func (r *RemoteSession) DynState() runtime.DynState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dyn
}

func (r *RemoteSession) State() runtime.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RemoteSession) Start(ctx context.Context) (runtime.KernelInfo, error) {
	info, err := r.host.Start(ctx, r.handle)
	if err != nil {
		return info, err
	}
	r.mu.Lock()
	r.dyn = runtime.DynState{InputPrompt: info.InputPrompt, ContinuationPrompt: info.ContinuationPrompt}
	r.mu.Unlock()
	return info, nil
}

func (r *RemoteSession) Execute(ctx context.Context, req runtime.ExecuteRequest) error {
	return r.host.Execute(ctx, r.handle, req)
}

func (r *RemoteSession) Interrupt(ctx context.Context) error {
	return r.host.Interrupt(ctx, r.handle)
}

func (r *RemoteSession) ReplyToInput(ctx context.Context, parentID, value string) error {
	return r.host.ReplyToInput(ctx, r.handle, parentID, value)
}

func (r *RemoteSession) Restart(ctx context.Context) error {
	return r.host.Restart(ctx, r.handle)
}

func (r *RemoteSession) Shutdown(ctx context.Context, reason runtime.ExitReason) error {
	return r.host.Shutdown(ctx, r.handle, reason)
}

func (r *RemoteSession) ForceQuit(ctx context.Context) error {
	return r.host.ForceQuit(ctx, r.handle)
}

func (r *RemoteSession) SetWorkingDirectory(ctx context.Context, path string) error {
	return r.host.SetWorkingDirectory(ctx, r.handle, path)
}

func (r *RemoteSession) CreateClient(ctx context.Context, clientType runtime.ClientType, params json.RawMessage) (runtime.ClientInstance, error) {
	return r.host.CreateClient(ctx, r.handle, clientType, params)
}

// ListClients returns the host's clients in creation order.
func (r *RemoteSession) ListClients(ctx context.Context, clientType runtime.ClientType) ([]runtime.ClientInstance, error) {
	byID, err := r.host.ListClients(ctx, r.handle, clientType)
	if err != nil {
		return nil, err
	}
	entries := slices.Collect(maps.Values(byID))
	slices.SortFunc(entries, func(a, b ClientEntry) int { return cmp.Compare(a.Position, b.Position) })
	out := make([]runtime.ClientInstance, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.ClientInstance)
	}
	return out, nil
}

func (r *RemoteSession) SendClientMessage(ctx context.Context, clientID, messageID string, data json.RawMessage) error {
	return r.host.SendClientMessage(ctx, r.handle, clientID, messageID, data)
}

func (r *RemoteSession) RemoveClient(ctx context.Context, clientID string) error {
	return r.host.RemoveClient(ctx, r.handle, clientID)
}

func (r *RemoteSession) OnMessage(fn func(runtime.Message)) func()         { return r.messages.On(fn) }
func (r *RemoteSession) OnStateChange(fn func(runtime.State)) func()       { return r.stateChanges.On(fn) }
func (r *RemoteSession) OnExit(fn func(runtime.ExitInfo)) func()           { return r.exits.On(fn) }
func (r *RemoteSession) OnClientEvent(fn func(runtime.ClientEvent)) func() { return r.clientEvents.On(fn) }

// Dispose detaches every listener and force-quits the hosted session if it
// is still running.
func (r *RemoteSession) Dispose() {
	r.messages.Clear()
	r.stateChanges.Clear()
	r.exits.Clear()
	r.clientEvents.Clear()
	if r.State() == runtime.StateExited {
		return
	}
	_ = r.host.ForceQuit(context.Background(), r.handle)
}

func (r *RemoteSession) setState(state runtime.State) {
	r.mu.Lock()
	if r.state == state || r.exited {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()
	r.stateChanges.Emit(state)
}

// markExited reports whether this is the first exit for the session.
func (r *RemoteSession) markExited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		return false
	}
	r.exited = true
	r.state = runtime.StateExited
	return true
}
