// Package rpc correlates JSON-RPC style requests and replies over
// fire-and-forget client channels.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/telemetry"
	"github.com/kernelhost/khost/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout applies when neither the request nor the handler sets one.
	DefaultTimeout = 5 * time.Second

	jsonRPCVersion = "2.0"
)

// UnwrapMode controls how a nested {"result": ...} object inside a reply's
// result is treated.
type UnwrapMode int

const (
	// UnwrapNone returns the result untouched.
	UnwrapNone UnwrapMode = iota
	// UnwrapIfPresent returns the inner value when the result is an object
	// with a "result" member.
	UnwrapIfPresent
	// UnwrapRequired fails with ErrInvalidResponseFormat unless the result is
	// an object with a "result" member.
	UnwrapRequired
)

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout sets the per-request default timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithUnwrap selects the nested-result rule for this handler's backend.
func WithUnwrap(mode UnwrapMode) Option {
	return func(h *Handler) {
		h.unwrap = mode
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		h.logger = logging.OrDiscard(logger)
	}
}

// WithTracer sets the tracer used for rpc.request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		if tracer != nil {
			h.tracer = tracer
		}
	}
}

// WithClientType labels spans and logs with the channel's feature.
func WithClientType(clientType string) Option {
	return func(h *Handler) {
		h.clientType = clientType
	}
}

// WithIDPrefix replaces the random request-id prefix.
func WithIDPrefix(prefix string) Option {
	return func(h *Handler) {
		if prefix != "" {
			h.prefix = prefix
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type reply struct {
	result json.RawMessage
	err    error
}

type pending struct {
	method string
	done   chan reply
	timer  *time.Timer
}

// Handler issues correlated requests over one Channel and dispatches pushed
// notifications to listeners.
type Handler struct {
	channel    Channel
	logger     *log.Logger
	tracer     trace.Tracer
	timeout    time.Duration
	unwrap     UnwrapMode
	clientType string
	prefix     string

	mu          sync.Mutex
	counter     uint64
	pending     map[string]*pending
	disposed    bool
	unsubscribe func()
	listeners   map[string]*events.Emitter[json.RawMessage]

	disposeOnce sync.Once
}

// NewHandler subscribes to channel immediately.
func NewHandler(channel Channel, opts ...Option) *Handler {
	h := &Handler{
		channel:   channel,
		logger:    logging.Discard(),
		tracer:    otel.Tracer("khost/rpc"),
		timeout:   DefaultTimeout,
		prefix:    uuid.NewString()[:8],
		pending:   map[string]*pending{},
		listeners: map[string]*events.Emitter[json.RawMessage]{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = h.logger.With("client_id", channel.ID())
	h.unsubscribe = channel.Subscribe(h.receive)
	return h
}

// Request sends method with params and waits for the correlated reply. A
// non-positive timeout uses the handler default.
func (h *Handler) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = h.timeout
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil, ErrHandlerDisposed
	}
	h.counter++
	id := h.prefix + "-" + strconv.FormatUint(h.counter, 10)
	_, duplicate := h.pending[id]
	invariants.CheckPendingRequestIDUnique(ctx, "rpc.handler.request", id, !duplicate)
	entry := &pending{method: method, done: make(chan reply, 1)}
	h.pending[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		h.complete(id, reply{err: &RequestTimeoutError{Method: method, RequestID: id, Timeout: timeout}})
	})
	h.mu.Unlock()

	ctx, call := telemetry.StartRPCCall(ctx, h.tracer, telemetry.RPCCallRequest{
		Method:     method,
		ClientType: h.clientType,
		ClientID:   h.channel.ID(),
		RequestID:  id,
		Params:     rawParams,
		Timeout:    timeout,
	})

	payload, err := json.Marshal(request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: rawParams})
	if err == nil {
		err = h.channel.Send(ctx, payload)
	}
	if err != nil {
		h.forget(id)
		err = fmt.Errorf("send %s request: %w", method, err)
		call.End(0, err)
		return nil, err
	}

	var out reply
	select {
	case out = <-entry.done:
	case <-ctx.Done():
		h.forget(id)
		out = reply{err: ctx.Err()}
	}

	if out.err != nil {
		var remote *RPCError
		if errors.As(out.err, &remote) {
			call.RecordRemoteError(remote.Code, remote.Message)
		}
		h.logger.Debug("rpc request failed", "method", method, "request_id", id, "error", out.err)
		call.End(0, out.err)
		return nil, out.err
	}

	result, err := h.unwrapResult(out.result)
	call.End(len(out.result), err)
	if err != nil {
		return nil, fmt.Errorf("%s reply: %w", method, err)
	}
	return result, nil
}

// Call sends a request on h and decodes the (unwrapped) result into R.
func Call[R any](ctx context.Context, h *Handler, method string, params any, timeout time.Duration) (R, error) {
	var out R
	raw, err := h.Request(ctx, method, params, timeout)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w: %w", method, ErrInvalidResponseFormat, err)
	}
	return out, nil
}

// OnEvent registers fn for pushed notifications named method.
func (h *Handler) OnEvent(method string, fn func(json.RawMessage)) func() {
	h.mu.Lock()
	emitter, ok := h.listeners[method]
	if !ok {
		emitter = &events.Emitter[json.RawMessage]{}
		h.listeners[method] = emitter
	}
	h.mu.Unlock()
	return emitter.On(fn)
}

// Pending returns the number of outstanding requests.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Dispose rejects every outstanding request with ErrHandlerDisposed, detaches
// from the channel and closes it. Later calls are no-ops.
func (h *Handler) Dispose(ctx context.Context) error {
	var closeErr error
	h.disposeOnce.Do(func() {
		h.mu.Lock()
		h.disposed = true
		outstanding := h.pending
		h.pending = map[string]*pending{}
		unsubscribe := h.unsubscribe
		h.listeners = map[string]*events.Emitter[json.RawMessage]{}
		h.mu.Unlock()

		for _, entry := range outstanding {
			entry.timer.Stop()
			entry.done <- reply{err: ErrHandlerDisposed}
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		if err := h.channel.Close(ctx); err != nil {
			closeErr = fmt.Errorf("close channel %s: %w", h.channel.ID(), err)
		}
		h.logger.Debug("rpc handler disposed", "rejected", len(outstanding))
	})
	return closeErr
}

func (h *Handler) receive(data json.RawMessage) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("dropped undecodable channel payload", "bytes", len(data), "error", err)
		return
	}

	id := decodeID(msg.ID)
	if id == "" {
		if msg.Method != "" {
			h.dispatchEvent(msg.Method, msg.Params)
		}
		return
	}

	if msg.Error != nil {
		h.complete(id, reply{err: msg.Error})
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	h.complete(id, reply{result: result})
}

func (h *Handler) dispatchEvent(method string, params json.RawMessage) {
	h.mu.Lock()
	emitter := h.listeners[method]
	h.mu.Unlock()
	if emitter == nil {
		h.logger.Debug("no listener for pushed event", "method", method)
		return
	}
	emitter.Emit(params)
}

// complete delivers out to the pending request id. Replies for unknown ids,
// including those that arrive after a timeout, are dropped.
func (h *Handler) complete(id string, out reply) {
	h.mu.Lock()
	entry, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("dropped reply for unknown request", "request_id", id)
		return
	}
	entry.timer.Stop()
	entry.done <- out
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	entry, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if ok {
		entry.timer.Stop()
	}
}

func (h *Handler) unwrapResult(result json.RawMessage) (json.RawMessage, error) {
	if h.unwrap == UnwrapNone {
		return result, nil
	}
	inner, ok := nestedResult(result)
	if ok {
		return inner, nil
	}
	if h.unwrap == UnwrapRequired {
		return nil, ErrInvalidResponseFormat
	}
	return result, nil
}

func nestedResult(result json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, false
	}
	inner, ok := wrapper["result"]
	return inner, ok
}

func decodeID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(trimmed, &id); err == nil {
		return id
	}
	return string(trimmed)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}
