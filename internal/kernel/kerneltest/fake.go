// Package kerneltest provides an in-memory kernel for session tests.
package kerneltest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kernelhost/khost/internal/runtime"
)

// KilledExitCode is reported after Kill.
const KilledExitCode = 137

// ErrClosed is returned by calls made after the kernel has terminated.
var ErrClosed = errors.New("kernel closed")

// CommSent records one SendComm call.
type CommSent struct {
	CommID    string
	MessageID string
	Data      json.RawMessage
}

// Kernel is a scriptable session.Kernel. Its zero value is not usable; call
// New.
type Kernel struct {
	// Info is returned by Connect.
	Info runtime.KernelInfo
	// ConnectErr fails Connect when set.
	ConnectErr error
	// ExecuteErr fails Execute when set.
	ExecuteErr error
	// OpenCommErr fails OpenComm when set.
	OpenCommErr error
	// IgnoreShutdown leaves the message stream open on Shutdown so callers
	// exercise their kill escalation.
	IgnoreShutdown bool
	// ShutdownErr fails Shutdown when set.
	ShutdownErr error
	// OnComm is called for every SendComm after it is recorded.
	OnComm func(CommSent)
	// OnExecute is called for every accepted Execute.
	OnExecute func(runtime.ExecuteRequest)

	mu         sync.Mutex
	messages   chan runtime.Message
	closed     bool
	exitCode   int
	connects   int
	executes   []runtime.ExecuteRequest
	interrupts int
	inputs     map[string]string
	cwd        string
	comms      map[string]string
	sent       []CommSent
	kills      int
	shutdowns  int
}

// New returns a kernel with a buffered message stream.
func New() *Kernel {
	return &Kernel{
		messages: make(chan runtime.Message, 256),
		inputs:   map[string]string{},
		comms:    map[string]string{},
	}
}

func (k *Kernel) Connect(context.Context) (runtime.KernelInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.connects++
	if k.ConnectErr != nil {
		return runtime.KernelInfo{}, k.ConnectErr
	}
	return k.Info, nil
}

func (k *Kernel) Execute(_ context.Context, req runtime.ExecuteRequest) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	if k.ExecuteErr != nil {
		k.mu.Unlock()
		return k.ExecuteErr
	}
	k.executes = append(k.executes, req)
	hook := k.OnExecute
	k.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (k *Kernel) Interrupt(context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	k.interrupts++
	return nil
}

func (k *Kernel) ReplyToInput(_ context.Context, parentID, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	k.inputs[parentID] = value
	return nil
}

func (k *Kernel) SetWorkingDirectory(_ context.Context, path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	k.cwd = path
	return nil
}

func (k *Kernel) OpenComm(_ context.Context, commID, target string, _ json.RawMessage) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	if k.OpenCommErr != nil {
		return k.OpenCommErr
	}
	k.comms[commID] = target
	return nil
}

func (k *Kernel) SendComm(_ context.Context, commID, messageID string, data json.RawMessage) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	sent := CommSent{CommID: commID, MessageID: messageID, Data: append(json.RawMessage(nil), data...)}
	k.sent = append(k.sent, sent)
	hook := k.OnComm
	k.mu.Unlock()
	if hook != nil {
		hook(sent)
	}
	return nil
}

func (k *Kernel) CloseComm(_ context.Context, commID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	delete(k.comms, commID)
	return nil
}

func (k *Kernel) Shutdown(context.Context) error {
	k.mu.Lock()
	k.shutdowns++
	err := k.ShutdownErr
	ignore := k.IgnoreShutdown
	k.mu.Unlock()
	if err != nil {
		return err
	}
	if !ignore {
		k.Exit(0)
	}
	return nil
}

func (k *Kernel) Kill() error {
	k.mu.Lock()
	k.kills++
	k.mu.Unlock()
	k.Exit(KilledExitCode)
	return nil
}

func (k *Kernel) Messages() <-chan runtime.Message {
	return k.messages
}

func (k *Kernel) ExitCode() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.exitCode
}

// Exit terminates the kernel with code and closes the message stream. Later
// calls are ignored.
func (k *Kernel) Exit(code int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	k.exitCode = code
	close(k.messages)
}

// Emit pushes body as a kernel message. It returns false once the kernel has
// exited.
func (k *Kernel) Emit(parentID string, body runtime.Body) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return false
	}
	k.messages <- runtime.Message{
		ID:       uuid.NewString(),
		ParentID: parentID,
		When:     time.Now().UTC(),
		Body:     body,
	}
	return true
}

// Reply pushes a comm_data message on commID carrying payload.
func (k *Kernel) Reply(commID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return k.Emit("", runtime.CommData{CommID: commID, Data: data})
}

func (k *Kernel) Executes() []runtime.ExecuteRequest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]runtime.ExecuteRequest(nil), k.executes...)
}

func (k *Kernel) Sent() []CommSent {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]CommSent(nil), k.sent...)
}

// Comms returns open comm ids mapped to their target names.
func (k *Kernel) Comms() map[string]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]string, len(k.comms))
	for id, target := range k.comms {
		out[id] = target
	}
	return out
}

func (k *Kernel) Input(parentID string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	value, ok := k.inputs[parentID]
	return value, ok
}

func (k *Kernel) WorkingDirectory() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cwd
}

func (k *Kernel) Interrupts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts
}

func (k *Kernel) Kills() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kills
}

func (k *Kernel) Shutdowns() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.shutdowns
}

func (k *Kernel) Connects() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connects
}
