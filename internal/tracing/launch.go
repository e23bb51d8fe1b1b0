// Package tracing holds span helpers for kernel subprocesses.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Launch tracks one kernel.launch span from spawn to first handshake.
type Launch struct {
	span    trace.Span
	started time.Time

	mu    sync.Mutex
	ended bool
}

// StartLaunch opens a kernel.launch span with redacted arguments. A nil
// tracer uses the global provider.
func StartLaunch(
	ctx context.Context,
	tracer trace.Tracer,
	runtimeID string,
	command string,
	args []string,
	cwd string,
) (context.Context, *Launch) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracer == nil {
		tracer = otel.Tracer("khost/tracing/launch")
	}

	spanCtx, span := tracer.Start(
		ctx,
		"kernel.launch",
		trace.WithAttributes(
			attribute.String("runtime_id", strings.TrimSpace(runtimeID)),
			attribute.String("command", strings.TrimSpace(command)),
			attribute.String("args_redacted", strings.Join(redactArgs(args), " ")),
			attribute.String("cwd", strings.TrimSpace(cwd)),
		),
	)
	return spanCtx, &Launch{span: span, started: time.Now()}
}

// Spawned records the child process id.
func (l *Launch) Spawned(pid int) {
	if l == nil {
		return
	}
	l.span.SetAttributes(attribute.Int("pid", pid))
}

// End closes the span. stderr is attached as a bounded event when non-empty.
func (l *Launch) End(stderr string, err error) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return
	}
	l.ended = true
	l.mu.Unlock()

	l.span.SetAttributes(attribute.Int64("duration_ms", time.Since(l.started).Milliseconds()))
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		l.span.AddEvent(
			"kernel.stderr",
			trace.WithAttributes(attribute.String("output", TruncateOutput(stderr, maxOutputEventBytes))),
		)
	}
	if err != nil {
		l.span.RecordError(err)
		l.span.SetStatus(codes.Error, err.Error())
	} else {
		l.span.SetStatus(codes.Ok, "kernel connected")
	}
	l.span.End()
}

// ExitCode maps the result of cmd.Wait onto a process exit code. A context
// deadline yields -1.
func ExitCode(ctx context.Context, cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// TruncateOutput bounds value to limit bytes, marking the cut.
func TruncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "api-key", "apikey", "auth", "bearer"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview with secrets redacted.
func FormatCommand(command string, args []string) string {
	parts := append([]string{strings.TrimSpace(command)}, redactArgs(args)...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates launch failures with command identity.
func WrapExecutionError(command string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(command, args), err)
}
