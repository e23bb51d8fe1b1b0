// Package runtime defines the data model shared by sessions, the registry,
// the bridge and the client-channel protocol engine.
package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RuntimeMetadata describes one installable language runtime.
//
//nolint:revive // Name mirrors the runtime catalog vocabulary used across packages.
type RuntimeMetadata struct {
	RuntimeID      string `json:"runtime_id" yaml:"runtime_id"`
	LanguageID     string `json:"language_id" yaml:"language_id"`
	LanguageName   string `json:"language_name" yaml:"language_name"`
	RuntimeName    string `json:"runtime_name" yaml:"runtime_name"`
	RuntimePath    string `json:"runtime_path" yaml:"runtime_path"`
	RuntimeVersion string `json:"runtime_version" yaml:"runtime_version"`
	RuntimeSource  string `json:"runtime_source" yaml:"runtime_source"`
}

// Validate reports whether the metadata carries the identifiers every
// consumer relies on.
func (m RuntimeMetadata) Validate() error {
	if strings.TrimSpace(m.RuntimeID) == "" {
		return fmt.Errorf("runtime id must not be empty")
	}
	if strings.TrimSpace(m.LanguageID) == "" {
		return fmt.Errorf("runtime %q: language id must not be empty", m.RuntimeID)
	}
	return nil
}

// SessionMode describes how a session is used by the host.
type SessionMode string

const (
	// SessionModeConsole is an interactive console session.
	SessionModeConsole SessionMode = "console"
	// SessionModeNotebook is bound to a notebook document.
	SessionModeNotebook SessionMode = "notebook"
	// SessionModeBackground runs without a visible console.
	SessionModeBackground SessionMode = "background"
	// SessionModeTransient is a short-lived session.
	SessionModeTransient SessionMode = "transient"
)

// Valid reports whether the mode is one of the known modes.
func (m SessionMode) Valid() bool {
	switch m {
	case SessionModeConsole, SessionModeNotebook, SessionModeBackground, SessionModeTransient:
		return true
	default:
		return false
	}
}

// SessionMetadata is the immutable per-session descriptor.
type SessionMetadata struct {
	SessionID   string      `json:"session_id"`
	SessionName string      `json:"session_name"`
	SessionMode SessionMode `json:"session_mode"`
	NotebookURI string      `json:"notebook_uri,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SessionInfo pairs the descriptors of one session.
type SessionInfo struct {
	Runtime  RuntimeMetadata `json:"runtime"`
	Metadata SessionMetadata `json:"metadata"`
}

// NewSessionID mints a session identifier of the form "{languageID}-{uuid}".
func NewSessionID(languageID string) string {
	languageID = strings.TrimSpace(languageID)
	if languageID == "" {
		languageID = "session"
	}
	return fmt.Sprintf("%s-%s", languageID, uuid.NewString())
}

// DynState is the dynamic, kernel-provided part of a session.
type DynState struct {
	InputPrompt        string `json:"input_prompt"`
	ContinuationPrompt string `json:"continuation_prompt"`
}

// KernelInfo is returned by a successful start.
type KernelInfo struct {
	Banner                string `json:"banner,omitempty"`
	ImplementationVersion string `json:"implementation_version,omitempty"`
	LanguageVersion       string `json:"language_version,omitempty"`
	InputPrompt           string `json:"input_prompt,omitempty"`
	ContinuationPrompt    string `json:"continuation_prompt,omitempty"`
}

// ClientType names the feature carried by a client channel.
type ClientType string

const (
	// ClientTypeHelp carries help topic traffic.
	ClientTypeHelp ClientType = "help"
	// ClientTypeVariables carries variable inspection traffic.
	ClientTypeVariables ClientType = "variables"
	// ClientTypeQuery carries source queries such as function-call parsing.
	ClientTypeQuery ClientType = "query"
)

// ClientInstance describes one open client channel.
type ClientInstance struct {
	ClientID   string     `json:"client_id"`
	ClientType ClientType `json:"client_type"`
	CommID     string     `json:"comm_id,omitempty"`
}

// ExecuteMode controls how the kernel treats submitted code.
type ExecuteMode string

const (
	ExecuteModeInteractive    ExecuteMode = "interactive"
	ExecuteModeNonInteractive ExecuteMode = "non_interactive"
	ExecuteModeTransient      ExecuteMode = "transient"
	ExecuteModeSilent         ExecuteMode = "silent"
)

// ErrorBehavior controls whether queued executions continue after an error.
type ErrorBehavior string

const (
	ErrorBehaviorStop     ErrorBehavior = "stop"
	ErrorBehaviorContinue ErrorBehavior = "continue"
)

// ExecuteRequest is one fire-and-forget code submission.
type ExecuteRequest struct {
	Code          string        `json:"code"`
	ExecutionID   string        `json:"execution_id"`
	Mode          ExecuteMode   `json:"mode"`
	ErrorBehavior ErrorBehavior `json:"error_behavior"`
	BatchID       string        `json:"batch_id,omitempty"`
	FilePath      string        `json:"file_path,omitempty"`
}

// ExitReason explains why a session ended.
type ExitReason string

const (
	ExitReasonShutdown      ExitReason = "shutdown"
	ExitReasonForcedQuit    ExitReason = "forced_quit"
	ExitReasonRestart       ExitReason = "restart"
	ExitReasonStartupFailed ExitReason = "startup_failed"
	ExitReasonError         ExitReason = "error"
	ExitReasonUnknown       ExitReason = "unknown"
)

// ExitInfo is carried by the session-ended event.
type ExitInfo struct {
	SessionID   string     `json:"session_id"`
	RuntimeName string     `json:"runtime_name"`
	ExitCode    int        `json:"exit_code"`
	Reason      ExitReason `json:"reason"`
	Message     string     `json:"message,omitempty"`
}

// Graceful reports whether the session ended on request.
func (e ExitInfo) Graceful() bool {
	return e.Reason == ExitReasonShutdown || e.Reason == ExitReasonRestart
}

// ClientEvent is a named push event raised on a client channel.
type ClientEvent struct {
	ClientID string          `json:"client_id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data,omitempty"`
}
