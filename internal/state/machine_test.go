package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kernelhost/khost/internal/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransitionFollowsSessionLifecycles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence []runtime.State
	}{
		{
			name: "start then execute",
			sequence: []runtime.State{
				runtime.StateStarting,
				runtime.StateIdle,
				runtime.StateBusy,
				runtime.StateIdle,
				runtime.StateExited,
			},
		},
		{
			name: "interrupt while busy",
			sequence: []runtime.State{
				runtime.StateStarting,
				runtime.StateBusy,
				runtime.StateInterrupting,
				runtime.StateIdle,
			},
		},
		{
			name: "offline and recover",
			sequence: []runtime.State{
				runtime.StateStarting,
				runtime.StateIdle,
				runtime.StateOffline,
				runtime.StateBusy,
				runtime.StateIdle,
			},
		},
		{
			name: "never started",
			sequence: []runtime.State{
				runtime.StateExited,
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			recorder := &fakeRecorder{}
			machine, err := NewMachine("python-1", WithRecorder(recorder))
			if err != nil {
				t.Fatalf("new machine: %v", err)
			}

			for _, to := range tt.sequence {
				changed, err := machine.Transition(context.Background(), to, "test")
				if err != nil {
					t.Fatalf("transition -> %s: %v", to, err)
				}
				if !changed {
					t.Fatalf("transition -> %s reported unchanged", to)
				}
			}

			if got := machine.Current(); got != tt.sequence[len(tt.sequence)-1] {
				t.Fatalf("current = %s, want %s", got, tt.sequence[len(tt.sequence)-1])
			}
			if len(recorder.records) != len(tt.sequence) {
				t.Fatalf("recorded = %d, want %d", len(recorder.records), len(tt.sequence))
			}
		})
	}
}

func TestExitedIsTerminal(t *testing.T) {
	t.Parallel()

	if !IsTerminal(runtime.StateExited) {
		t.Fatal("exited is not terminal")
	}
	for _, to := range []runtime.State{
		runtime.StateUninitialized,
		runtime.StateStarting,
		runtime.StateIdle,
		runtime.StateBusy,
		runtime.StateInterrupting,
		runtime.StateOffline,
	} {
		if CanTransition(runtime.StateExited, to) {
			t.Fatalf("exited -> %s allowed", to)
		}
	}
}

func TestTransitionRejectsIllegalTransitionWithTypedError(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("python-42")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	_, err = machine.Transition(context.Background(), runtime.StateBusy, "skip start")
	if err == nil {
		t.Fatal("expected illegal transition error, got nil")
	}

	var illegalErr *IllegalTransitionError
	if !errors.As(err, &illegalErr) {
		t.Fatalf("error = %T, want *IllegalTransitionError", err)
	}
	if !errors.Is(err, &IllegalTransitionError{}) {
		t.Fatalf("errors.Is(%v, IllegalTransitionError{}) = false, want true", err)
	}
	if illegalErr.SessionID != "python-42" {
		t.Fatalf("session id = %s, want python-42", illegalErr.SessionID)
	}
	if illegalErr.FromState != runtime.StateUninitialized || illegalErr.ToState != runtime.StateBusy {
		t.Fatalf("illegal transition = %s -> %s", illegalErr.FromState, illegalErr.ToState)
	}
	if !strings.Contains(err.Error(), "illegal transition for session lifecycle") {
		t.Fatalf("error text missing reason: %v", err)
	}
	if got := machine.Current(); got != runtime.StateUninitialized {
		t.Fatalf("current = %s after rejected transition", got)
	}
}

func TestTransitionToCurrentStateIsNoOp(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("python-1")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if _, err := machine.Transition(context.Background(), runtime.StateStarting, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	changed, err := machine.Transition(context.Background(), runtime.StateStarting, "again")
	if err != nil || changed {
		t.Fatalf("same-state transition = (%v, %v), want (false, nil)", changed, err)
	}
	if got := len(machine.History()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
}

func TestTransitionFromRequiresExpectedState(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("python-1")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	ctx := context.Background()
	for _, to := range []runtime.State{runtime.StateStarting, runtime.StateIdle} {
		if _, err := machine.Transition(ctx, to, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	changed, err := machine.TransitionFrom(ctx, runtime.StateBusy, runtime.StateInterrupting, "interrupt requested")
	if err != nil || changed {
		t.Fatalf("transition from busy while idle = (%v, %v), want (false, nil)", changed, err)
	}
	if got := machine.Current(); got != runtime.StateIdle {
		t.Fatalf("current = %s, want idle", got)
	}

	if _, err := machine.Transition(ctx, runtime.StateBusy, ""); err != nil {
		t.Fatalf("transition to busy: %v", err)
	}
	changed, err = machine.TransitionFrom(ctx, runtime.StateBusy, runtime.StateInterrupting, "interrupt requested")
	if err != nil || !changed {
		t.Fatalf("transition from busy = (%v, %v), want (true, nil)", changed, err)
	}
	if got := machine.Current(); got != runtime.StateInterrupting {
		t.Fatalf("current = %s, want interrupting", got)
	}
	if got := len(machine.History()); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}
}

func TestTransitionRecordsTimestampAndReason(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 11, 5, 0, 0, 0, time.UTC)
	machine, err := NewMachine("python-1", WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if _, err := machine.Transition(context.Background(), runtime.StateStarting, "start requested"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	history := machine.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	record := history[0]
	if record.Timestamp != fixed {
		t.Fatalf("timestamp = %s, want %s", record.Timestamp, fixed)
	}
	if record.Reason != "start requested" {
		t.Fatalf("reason = %q, want %q", record.Reason, "start requested")
	}
	if record.FromState != runtime.StateUninitialized || record.ToState != runtime.StateStarting {
		t.Fatalf("record = %+v", record)
	}
}

func TestTransitionWrapsRecorderErrorButKeepsState(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("python-1", WithRecorder(&fakeRecorder{err: errors.New("disk full")}))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	changed, err := machine.Transition(context.Background(), runtime.StateStarting, "")
	if err == nil || !strings.Contains(err.Error(), "record state transition") {
		t.Fatalf("error = %v, want wrapped recorder error", err)
	}
	if !changed || machine.Current() != runtime.StateStarting {
		t.Fatalf("changed = %v current = %s", changed, machine.Current())
	}
}

func TestNewMachineRequiresSessionID(t *testing.T) {
	t.Parallel()

	if _, err := NewMachine("  "); err == nil {
		t.Fatal("expected error for blank session id")
	}
}

func TestTransitionCreatesSpanWithRequiredAttributes(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	machine, err := NewMachine("python-7", WithTracer(provider.Tracer("state-test")))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if _, err := machine.Transition(context.Background(), runtime.StateStarting, "start requested"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	span := findTransitionSpan(t, spanRecorder.Ended())
	attrs := attributesToMap(span.Attributes())

	if got := attrs["entity_type"]; got != EntitySession {
		t.Fatalf("entity_type = %q, want %q", got, EntitySession)
	}
	if got := attrs["session_id"]; got != "python-7" {
		t.Fatalf("session_id = %q, want %q", got, "python-7")
	}
	if got := attrs["from_state"]; got != string(runtime.StateUninitialized) {
		t.Fatalf("from_state = %q", got)
	}
	if got := attrs["to_state"]; got != string(runtime.StateStarting) {
		t.Fatalf("to_state = %q", got)
	}
	if got := attrs["reason"]; got != "start requested" {
		t.Fatalf("reason = %q, want %q", got, "start requested")
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Fatal("duration_ms attribute missing")
	}
}

func TestIllegalTransitionRecordsErrorAndInvariantEvent(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	tracer := provider.Tracer("state-test")
	machine, err := NewMachine("python-9", WithTracer(tracer))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	parentCtx, parentSpan := tracer.Start(context.Background(), "parent")
	_, err = machine.Transition(parentCtx, runtime.StateIdle, "skip start")
	parentSpan.End()

	if err == nil {
		t.Fatal("expected transition error, got nil")
	}

	transitionSpan := findTransitionSpan(t, spanRecorder.Ended())
	if transitionSpan.Parent().SpanID() != parentSpan.SpanContext().SpanID() {
		t.Fatalf(
			"transition span parent = %s, want %s",
			transitionSpan.Parent().SpanID(),
			parentSpan.SpanContext().SpanID(),
		)
	}
	if transitionSpan.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", transitionSpan.Status().Code, codes.Error)
	}
	var sawViolation bool
	for _, event := range transitionSpan.Events() {
		if event.Name == "invariant.violation" {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Fatal("expected invariant.violation event on transition span")
	}
}

func findTransitionSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "session.transition" {
			return span
		}
	}
	t.Fatalf("session.transition span not found in %d spans", len(spans))
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}

type fakeRecorder struct {
	records []TransitionRecord
	err     error
}

func (f *fakeRecorder) RecordTransition(_ context.Context, record TransitionRecord) error {
	if f.err != nil {
		return fmt.Errorf("journal: %w", f.err)
	}
	f.records = append(f.records, record)
	return nil
}
