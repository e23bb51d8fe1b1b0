// Package rpctest provides an in-memory rpc.Channel for handler tests.
package rpctest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/kernelhost/khost/internal/events"
)

// ErrSendFailed is returned by Send when Channel.SendErr is set to it.
var ErrSendFailed = errors.New("rpctest: send failed")

// Request is one decoded request written to the channel.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Channel records outbound requests and lets tests inject replies and
// pushed events. OnRequest, when set, runs synchronously inside Send.
type Channel struct {
	id      string
	inbound events.Emitter[json.RawMessage]

	mu        sync.Mutex
	requests  []Request
	closed    int
	sendErr   error
	onRequest func(Request)
}

// NewChannel returns a channel reporting id.
func NewChannel(id string) *Channel {
	return &Channel{id: id}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Send(_ context.Context, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.requests = append(c.requests, req)
	hook := c.onRequest
	c.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (c *Channel) Subscribe(fn func(json.RawMessage)) func() {
	return c.inbound.On(fn)
}

func (c *Channel) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// SetSendErr makes every later Send fail with err.
func (c *Channel) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// OnRequest installs fn as the auto-responder.
func (c *Channel) OnRequest(fn func(Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = fn
}

// Reply delivers a successful reply to request id.
func (c *Channel) Reply(id string, result any) error {
	return c.Deliver(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// Fail delivers an error reply to request id.
func (c *Channel) Fail(id string, code int, message string) error {
	return c.Deliver(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// Push delivers a notification without an id.
func (c *Channel) Push(method string, params any) error {
	return c.Deliver(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// Deliver marshals payload and hands it to every subscriber.
func (c *Channel) Deliver(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.inbound.Emit(data)
	return nil
}

// Requests returns a copy of every request sent so far.
func (c *Channel) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// Closed reports how many times Close was called.
func (c *Channel) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribers reports the number of attached inbound listeners.
func (c *Channel) Subscribers() int {
	return c.inbound.Len()
}
