package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
)

// RPCCallRequest describes one correlated request sent over a client channel.
type RPCCallRequest struct {
	Method     string
	ClientType string
	ClientID   string
	RequestID  string
	Params     []byte
	Timeout    time.Duration
}

// RPCCall tracks one rpc.request span lifecycle.
type RPCCall struct {
	span      trace.Span
	startedAt time.Time

	mu    sync.Mutex
	ended bool
}

type rpcCallContextKey struct{}

// StartRPCCall starts an rpc.request span and returns a context carrying the
// tracker. A nil tracer uses the global provider.
func StartRPCCall(ctx context.Context, tracer trace.Tracer, req RPCCallRequest) (context.Context, *RPCCall) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracer == nil {
		tracer = otel.Tracer("khost/telemetry/rpc")
	}

	timeoutMS := req.Timeout.Milliseconds()
	if timeoutMS < 0 {
		timeoutMS = 0
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.method", normalizeOrUnknown(req.Method)),
		attribute.String("client_type", normalizeOrUnknown(req.ClientType)),
		attribute.String("request_id", normalizeOrUnknown(req.RequestID)),
		attribute.Int("params_bytes", len(req.Params)),
		attribute.String("params_hash", hashPayload(req.Params)),
		attribute.Int64("timeout_ms", timeoutMS),
	}
	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		attrs = append(attrs, attribute.String("client_id", clientID))
	}

	spanCtx, span := tracer.Start(ctx, "rpc.request", trace.WithAttributes(attrs...))
	call := &RPCCall{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, rpcCallContextKey{}, call), call
}

// RPCCallFromContext returns the rpc call tracker if one exists on the context.
func RPCCallFromContext(ctx context.Context) *RPCCall {
	if ctx == nil {
		return nil
	}
	call, ok := ctx.Value(rpcCallContextKey{}).(*RPCCall)
	if !ok {
		return nil
	}
	return call
}

// RecordRemoteError adds a redacted rpc.error event for an error reply.
func (c *RPCCall) RecordRemoteError(code int, message string) {
	if c == nil || c.span == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.span.AddEvent(
		"rpc.error",
		trace.WithAttributes(
			attribute.Int("error_code", code),
			attribute.String("error_message", redactSecrets(message)),
		),
	)
}

// End finalizes the rpc.request span with latency, result size and outcome.
func (c *RPCCall) End(resultBytes int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("result_bytes", resultBytes),
	)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "rpc request completed")
	}
	c.span.End()
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256([]byte(redactSecrets(string(payload))))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
