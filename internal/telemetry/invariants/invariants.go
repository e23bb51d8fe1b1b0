package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires session lifecycle transitions to follow the transition table.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantSessionIDUnique requires every session ID to map to at most one registered session.
	InvariantSessionIDUnique = "session_id_unique"
	// InvariantNotebookBindingActive requires notebook bindings to point at active sessions.
	InvariantNotebookBindingActive = "notebook_binding_active"
	// InvariantForegroundSessionActive requires the foreground session, if set, to be active.
	InvariantForegroundSessionActive = "foreground_session_active"
	// InvariantPendingRequestIDUnique requires request IDs to be unique among a handler's outstanding requests.
	InvariantPendingRequestIDUnique = "pending_request_id_unique"
	// InvariantExitEventOnce requires the session exit event to fire exactly once.
	InvariantExitEventOnce = "exit_event_once"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("khost/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckSessionIDUnique validates the session_id_unique invariant.
func CheckSessionIDUnique(ctx context.Context, whereDetected string, sessionID string, unique bool) bool {
	if unique {
		return true
	}
	InvariantViolation(ctx, InvariantSessionIDUnique, SeverityError, ViolationDetails{
		WhatInvariant: "session id maps to at most one registered session",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("session %s is already registered", sessionID),
		Additional: map[string]string{
			"session_id": sessionID,
		},
	})
	return false
}

// CheckNotebookBindingActive validates the notebook_binding_active invariant.
func CheckNotebookBindingActive(ctx context.Context, whereDetected string, notebookURI, sessionID string, active bool) bool {
	if active {
		return true
	}
	InvariantViolation(ctx, InvariantNotebookBindingActive, SeverityWarn, ViolationDetails{
		WhatInvariant: "notebook binding points at an active session",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("notebook %s is bound to inactive session %s", notebookURI, sessionID),
		Additional: map[string]string{
			"notebook_uri": notebookURI,
			"session_id":   sessionID,
		},
	})
	return false
}

// CheckForegroundSessionActive validates the foreground_session_active invariant.
func CheckForegroundSessionActive(ctx context.Context, whereDetected string, sessionID string, active bool) bool {
	if sessionID == "" || active {
		return true
	}
	InvariantViolation(ctx, InvariantForegroundSessionActive, SeverityWarn, ViolationDetails{
		WhatInvariant: "foreground session is active",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("foreground session %s is not registered", sessionID),
		Additional: map[string]string{
			"session_id": sessionID,
		},
	})
	return false
}

// CheckPendingRequestIDUnique validates the pending_request_id_unique invariant.
func CheckPendingRequestIDUnique(ctx context.Context, whereDetected string, requestID string, unique bool) bool {
	if unique {
		return true
	}
	InvariantViolation(ctx, InvariantPendingRequestIDUnique, SeverityError, ViolationDetails{
		WhatInvariant: "pending request id is unique among outstanding requests",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("request id %s is already pending", requestID),
		Additional: map[string]string{
			"request_id": requestID,
		},
	})
	return false
}

// CheckExitEventOnce validates the exit_event_once invariant.
func CheckExitEventOnce(ctx context.Context, whereDetected string, sessionID string, first bool) bool {
	if first {
		return true
	}
	InvariantViolation(ctx, InvariantExitEventOnce, SeverityWarn, ViolationDetails{
		WhatInvariant: "session exit event fires exactly once",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("exit for session %s was already reported", sessionID),
		Additional: map[string]string{
			"session_id": sessionID,
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for %s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
