package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestTimeout matches every *RequestTimeoutError.
	ErrRequestTimeout = errors.New("rpc request timed out")
	// ErrInvalidResponseFormat is returned when a reply cannot be decoded or
	// lacks a required result wrapper.
	ErrInvalidResponseFormat = errors.New("invalid rpc response format")
	// ErrHandlerDisposed is returned for requests pending at, or issued after,
	// Dispose.
	ErrHandlerDisposed = errors.New("rpc handler disposed")
)

// RequestTimeoutError reports that no reply arrived before the deadline.
type RequestTimeoutError struct {
	Method    string
	RequestID string
	Timeout   time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("rpc request %s (%s) timed out after %s", e.Method, e.RequestID, e.Timeout)
}

// Is matches ErrRequestTimeout as well as any other *RequestTimeoutError.
func (e *RequestTimeoutError) Is(target error) bool {
	if target == ErrRequestTimeout {
		return true
	}
	_, ok := target.(*RequestTimeoutError)
	return ok
}

// RPCError is an error reply sent by the kernel side of a channel.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
