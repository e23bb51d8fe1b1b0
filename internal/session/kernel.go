package session

import (
	"context"
	"encoding/json"

	"github.com/kernelhost/khost/internal/runtime"
)

// Kernel is the per-language transport a Session drives. Implementations
// must close Messages when the kernel terminates; ExitCode is only
// meaningful after that.
type Kernel interface {
	Connect(ctx context.Context) (runtime.KernelInfo, error)
	Execute(ctx context.Context, req runtime.ExecuteRequest) error
	Interrupt(ctx context.Context) error
	ReplyToInput(ctx context.Context, parentID, value string) error
	SetWorkingDirectory(ctx context.Context, path string) error
	OpenComm(ctx context.Context, commID, target string, data json.RawMessage) error
	SendComm(ctx context.Context, commID, messageID string, data json.RawMessage) error
	CloseComm(ctx context.Context, commID string) error
	Shutdown(ctx context.Context) error
	Kill() error
	Messages() <-chan runtime.Message
	ExitCode() int
}
