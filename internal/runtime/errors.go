package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrStartup matches every *StartupError.
	ErrStartup = errors.New("session startup failed")
	// ErrNoRuntimeManager matches every *NoRuntimeManagerError.
	ErrNoRuntimeManager = errors.New("no runtime manager registered")
	// ErrNoRuntimeFound matches every *NoRuntimeFoundError.
	ErrNoRuntimeFound = errors.New("no runtime found")
	// ErrChannelCreation matches every *ChannelCreationError.
	ErrChannelCreation = errors.New("client channel creation failed")
	// ErrSessionExited is returned by operations that need a live session.
	ErrSessionExited = errors.New("session has exited")
	// ErrSessionExists is returned when a session ID is already registered.
	ErrSessionExists = errors.New("session already registered")
)

// StartupError reports that a kernel could not be brought up.
type StartupError struct {
	SessionID string
	Err       error
}

func (e *StartupError) Error() string {
	if e == nil {
		return ErrStartup.Error()
	}
	return fmt.Sprintf("start session %s: %v", e.SessionID, e.Err)
}

func (e *StartupError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrStartup as well as any other *StartupError.
func (e *StartupError) Is(target error) bool {
	if target == ErrStartup {
		return true
	}
	_, ok := target.(*StartupError)
	return ok
}

// NoRuntimeManagerError reports that no manager serves a language.
type NoRuntimeManagerError struct {
	LanguageID string
}

func (e *NoRuntimeManagerError) Error() string {
	return fmt.Sprintf("no runtime manager for language %q", e.LanguageID)
}

// Is matches ErrNoRuntimeManager as well as any other *NoRuntimeManagerError.
func (e *NoRuntimeManagerError) Is(target error) bool {
	if target == ErrNoRuntimeManager {
		return true
	}
	_, ok := target.(*NoRuntimeManagerError)
	return ok
}

// NoRuntimeFoundError reports that a runtime or session lookup failed.
type NoRuntimeFoundError struct {
	ID string
}

func (e *NoRuntimeFoundError) Error() string {
	return fmt.Sprintf("no runtime found for %q", e.ID)
}

// Is matches ErrNoRuntimeFound as well as any other *NoRuntimeFoundError.
func (e *NoRuntimeFoundError) Is(target error) bool {
	if target == ErrNoRuntimeFound {
		return true
	}
	_, ok := target.(*NoRuntimeFoundError)
	return ok
}

// ChannelCreationError reports that a client channel could not be opened.
type ChannelCreationError struct {
	ClientType ClientType
	Err        error
}

func (e *ChannelCreationError) Error() string {
	return fmt.Sprintf("create %s client: %v", e.ClientType, e.Err)
}

func (e *ChannelCreationError) Unwrap() error {
	return e.Err
}

// Is matches ErrChannelCreation as well as any other *ChannelCreationError.
func (e *ChannelCreationError) Is(target error) bool {
	if target == ErrChannelCreation {
		return true
	}
	_, ok := target.(*ChannelCreationError)
	return ok
}
