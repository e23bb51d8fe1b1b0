// Package query asks a session to analyse source text over its query
// channel.
package query

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/rpc"
	"github.com/kernelhost/khost/internal/runtime"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds query requests.
const DefaultTimeout = 5 * time.Second

const (
	methodParseFunctions = "parse_functions"
	methodIsComplete     = "is_complete"
)

// Completeness classifies a code fragment.
type Completeness string

const (
	Complete   Completeness = "complete"
	Incomplete Completeness = "incomplete"
	Invalid    Completeness = "invalid"
	Unknown    Completeness = "unknown"
)

// FunctionCalls lists the functions called at an offset in a code fragment.
type FunctionCalls struct {
	Functions []string `json:"functions"`
	// Error is set when the backend could not parse the fragment.
	Error string `json:"error,omitempty"`
}

// Options configures a Handler.
type Options struct {
	Logger  *log.Logger
	Tracer  trace.Tracer
	Timeout time.Duration
}

// Handler drives the query channel. The query backend always nests its
// payload under a "result" key; replies without it are rejected with
// rpc.ErrInvalidResponseFormat.
type Handler struct {
	handler *rpc.Handler
}

// Open returns a Handler on session's query channel, reusing an open one.
func Open(ctx context.Context, session runtime.Session, opts Options) (*Handler, error) {
	channel, err := rpc.OpenClient(ctx, session, runtime.ClientTypeQuery, nil)
	if err != nil {
		return nil, err
	}
	return New(channel, opts), nil
}

// New binds a Handler to channel.
func New(channel rpc.Channel, opts Options) *Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Handler{
		handler: rpc.NewHandler(channel,
			rpc.WithTimeout(opts.Timeout),
			rpc.WithUnwrap(rpc.UnwrapRequired),
			rpc.WithClientType(string(runtime.ClientTypeQuery)),
			rpc.WithLogger(logging.OrDiscard(opts.Logger)),
			rpc.WithTracer(opts.Tracer),
		),
	}
}

// ParseFunctionCall returns the functions being called at offset, a byte
// offset into code.
func (h *Handler) ParseFunctionCall(ctx context.Context, code string, offset int) (FunctionCalls, error) {
	calls, err := rpc.Call[FunctionCalls](ctx, h.handler, methodParseFunctions, map[string]any{
		"code":   code,
		"offset": offset,
	}, 0)
	if err != nil {
		return FunctionCalls{}, err
	}
	if calls.Functions == nil {
		calls.Functions = []string{}
	}
	return calls, nil
}

// IsComplete classifies code. Statuses the backend does not recognise map
// to Unknown.
func (h *Handler) IsComplete(ctx context.Context, code string) (Completeness, error) {
	status, err := rpc.Call[Completeness](ctx, h.handler, methodIsComplete, map[string]string{"code": code}, 0)
	if err != nil {
		return Unknown, err
	}
	switch status {
	case Complete, Incomplete, Invalid:
		return status, nil
	default:
		return Unknown, nil
	}
}

// Dispose rejects outstanding requests and closes the channel.
func (h *Handler) Dispose(ctx context.Context) error {
	return h.handler.Dispose(ctx)
}
