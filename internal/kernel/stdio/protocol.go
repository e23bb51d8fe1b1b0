// Package stdio runs a kernel as a child process speaking newline-delimited
// JSON on its standard streams.
package stdio

import (
	"encoding/json"

	"github.com/kernelhost/khost/internal/runtime"
)

// CommandType names a host-to-kernel frame.
type CommandType string

const (
	CommandExecute     CommandType = "execute"
	CommandInterrupt   CommandType = "interrupt"
	CommandInputReply  CommandType = "input_reply"
	CommandSetCwd      CommandType = "set_cwd"
	CommandCommOpen    CommandType = "comm_open"
	CommandCommMessage CommandType = "comm_msg"
	CommandCommClose   CommandType = "comm_close"
	CommandShutdown    CommandType = "shutdown"
)

// Command is one line written to the kernel's stdin.
type Command struct {
	Type      CommandType             `json:"type"`
	Request   *runtime.ExecuteRequest `json:"request,omitempty"`
	ParentID  string                  `json:"parent_id,omitempty"`
	Value     string                  `json:"value,omitempty"`
	Path      string                  `json:"path,omitempty"`
	CommID    string                  `json:"comm_id,omitempty"`
	Target    string                  `json:"target,omitempty"`
	MessageID string                  `json:"message_id,omitempty"`
	Data      json.RawMessage         `json:"data,omitempty"`
}

// FrameType names a kernel-to-host frame.
type FrameType string

const (
	// FrameInfo is the handshake. It must be the first frame.
	FrameInfo FrameType = "info"
	// FrameMessage carries one runtime.Message record.
	FrameMessage FrameType = "message"
)

// Frame is one line read from the kernel's stdout.
type Frame struct {
	Type    FrameType           `json:"type"`
	Info    *runtime.KernelInfo `json:"info,omitempty"`
	Message *runtime.Message    `json:"message,omitempty"`
}
