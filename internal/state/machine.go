package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EntitySession is the only lifecycle this package tracks.
const EntitySession = "session"

var allowedTransitions = map[runtime.State]map[runtime.State]struct{}{
	runtime.StateUninitialized: {
		runtime.StateStarting: {},
		runtime.StateExited:   {},
	},
	runtime.StateStarting: {
		runtime.StateIdle:   {},
		runtime.StateBusy:   {},
		runtime.StateExited: {},
	},
	runtime.StateIdle: {
		runtime.StateBusy:         {},
		runtime.StateInterrupting: {},
		runtime.StateOffline:      {},
		runtime.StateExited:       {},
	},
	runtime.StateBusy: {
		runtime.StateIdle:         {},
		runtime.StateInterrupting: {},
		runtime.StateOffline:      {},
		runtime.StateExited:       {},
	},
	runtime.StateInterrupting: {
		runtime.StateIdle:    {},
		runtime.StateBusy:    {},
		runtime.StateOffline: {},
		runtime.StateExited:  {},
	},
	runtime.StateOffline: {
		runtime.StateIdle:   {},
		runtime.StateBusy:   {},
		runtime.StateExited: {},
	},
}

// Recorder persists transition outcomes, for example into the session journal.
type Recorder interface {
	RecordTransition(ctx context.Context, record TransitionRecord) error
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithRecorder attaches a Recorder that sees every accepted transition.
func WithRecorder(recorder Recorder) Option {
	return func(machine *Machine) {
		machine.recorder = recorder
	}
}

// WithClock overrides the time source used for transition records.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState runtime.State
	ToState   runtime.State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState runtime.State
	ToState   runtime.State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// CanTransition reports whether from→to appears in the transition table.
func CanTransition(from, to runtime.State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s runtime.State) bool {
	return s == runtime.StateExited
}

// Machine tracks the current state of one session and validates every move
// against the transition table.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	current   runtime.State
	recorder  Recorder
	tracer    trace.Tracer
	now       func() time.Time
	history   []TransitionRecord
}

// NewMachine builds a machine for sessionID in the uninitialized state.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID: sessionID,
		current:   runtime.StateUninitialized,
		tracer:    otel.Tracer("khost/state"),
		now:       time.Now,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the current state.
func (m *Machine) Current() runtime.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the machine to toState. A move to the current state is a
// no-op and reports changed=false. A recorder failure is returned wrapped but
// does not undo the transition.
func (m *Machine) Transition(ctx context.Context, toState runtime.State, reason string) (changed bool, err error) {
	return m.transition(ctx, nil, toState, reason)
}

// TransitionFrom moves to toState only if the current state is fromState,
// checking and applying under one lock. Any other current state is a no-op
// reporting changed=false.
func (m *Machine) TransitionFrom(ctx context.Context, fromState, toState runtime.State, reason string) (changed bool, err error) {
	return m.transition(ctx, &fromState, toState, reason)
}

func (m *Machine) transition(ctx context.Context, expected *runtime.State, toState runtime.State, reason string) (bool, error) {
	if m == nil {
		return false, errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	fromState := m.current
	if fromState == toState || (expected != nil && fromState != *expected) {
		m.mu.Unlock()
		return false, nil
	}

	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	ctx, span := m.tracer.Start(ctx, "session.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("entity_type", EntitySession),
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !CanTransition(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			EntitySession,
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for session lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		if err := recorder.RecordTransition(ctx, record); err != nil {
			wrapped := fmt.Errorf("record state transition for %s: %w", m.sessionID, err)
			span.RecordError(wrapped)
			span.SetStatus(codes.Error, wrapped.Error())
			return true, wrapped
		}
	}

	span.SetStatus(codes.Ok, "state transition accepted")
	return true, nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}
