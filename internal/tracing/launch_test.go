package tracing

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLaunchRecordsSpanAttributesForSuccess(t *testing.T) {
	spanRecorder, provider := newSpanRecorder(t)
	tracer := provider.Tracer("launch-test")

	_, launch := StartLaunch(
		context.Background(),
		tracer,
		"python-3.12",
		"python3",
		[]string{"-m", "kernel", "--token", "abc123"},
		"/work",
	)
	launch.Spawned(4242)
	launch.End("", nil)
	launch.End("late", errors.New("ignored"))

	span := findLaunchSpan(t, spanRecorder.Ended())
	if span.Status().Code != codes.Ok {
		t.Fatalf("status code = %v, want %v", span.Status().Code, codes.Ok)
	}
	if got := getStringAttr(span.Attributes(), "runtime_id"); got != "python-3.12" {
		t.Fatalf("runtime_id = %q", got)
	}
	if got := getStringAttr(span.Attributes(), "args_redacted"); got != "-m kernel --token <redacted>" {
		t.Fatalf("args_redacted = %q", got)
	}
	if got := getIntAttr(span.Attributes(), "pid"); got != 4242 {
		t.Fatalf("pid = %d, want 4242", got)
	}
	if len(span.Events()) != 0 {
		t.Fatalf("events = %d, want none", len(span.Events()))
	}
}

func TestLaunchFailureAddsBoundedStderrEvent(t *testing.T) {
	spanRecorder, provider := newSpanRecorder(t)
	tracer := provider.Tracer("launch-test")

	_, launch := StartLaunch(context.Background(), tracer, "r", "Rscript", nil, "")
	launch.End(strings.Repeat("x", 4000), errors.New("handshake failed"))

	span := findLaunchSpan(t, spanRecorder.Ended())
	if span.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", span.Status().Code, codes.Error)
	}
	stderrEvent := findEvent(t, span.Events(), "kernel.stderr")
	output := getStringAttr(stderrEvent.Attributes, "output")
	if len(output) > maxOutputEventBytes {
		t.Fatalf("stderr output length = %d, want <= %d", len(output), maxOutputEventBytes)
	}
	if !strings.HasSuffix(output, "...[truncated]") {
		t.Fatalf("stderr output missing truncation marker")
	}
}

func TestExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 3")
	err := cmd.Run()
	if got := ExitCode(context.Background(), cmd, err); got != 3 {
		t.Fatalf("exit code = %d, want 3", got)
	}
	if got := ExitCode(context.Background(), nil, nil); got != 0 {
		t.Fatalf("exit code = %d, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	if got := ExitCode(ctx, nil, errors.New("killed")); got != -1 {
		t.Fatalf("exit code = %d, want -1", got)
	}
}

func TestFormatCommandRedactsSecrets(t *testing.T) {
	got := FormatCommand(" python3 ", []string{"-m", "kernel", "api-key=xyz", ""})
	if got != "python3 -m kernel api-key=<redacted>" {
		t.Fatalf("FormatCommand = %q", got)
	}

	err := WrapExecutionError("python3", []string{"-V"}, errors.New("not found"))
	if err == nil || err.Error() != "run python3 -V: not found" {
		t.Fatalf("WrapExecutionError = %v", err)
	}
	if WrapExecutionError("python3", nil, nil) != nil {
		t.Fatal("WrapExecutionError(nil) != nil")
	}
}

func newSpanRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})
	return recorder, provider
}

func findLaunchSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "kernel.launch" {
			return span
		}
	}
	t.Fatalf("kernel.launch span not found in %d spans", len(spans))
	return nil
}

func getStringAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttr(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}

func findEvent(t *testing.T, events []sdktrace.Event, name string) sdktrace.Event {
	t.Helper()
	for _, event := range events {
		if event.Name == name {
			return event
		}
	}
	t.Fatalf("event %q not found", name)
	return sdktrace.Event{}
}
