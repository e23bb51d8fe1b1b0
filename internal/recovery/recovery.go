// Package recovery closes journaled sessions left open by a host process
// that exited without shutting them down.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/store"
)

const (
	// DefaultTimeout is the upper bound for one startup recovery pass.
	DefaultTimeout = 10 * time.Second
)

// Result captures what one recovery pass did.
type Result struct {
	// Scanned counts the active sessions read from the journal.
	Scanned int
	// Orphaned lists sessions closed because their host process is gone.
	Orphaned []string
	Duration time.Duration
}

// Journal reads open sessions and stamps their exits.
type Journal interface {
	ListSessions(ctx context.Context, activeOnly bool) ([]store.SessionRecord, error)
	RecordSessionEnded(ctx context.Context, info runtime.ExitInfo) error
}

// ProcessProber reports whether a host process is still running.
type ProcessProber interface {
	Alive(pid int) bool
}

// ProberFunc adapts a function to ProcessProber.
type ProberFunc func(pid int) bool

// Alive calls f.
func (f ProberFunc) Alive(pid int) bool { return f(pid) }

// SignalProber probes with signal 0. EPERM means the process exists under
// another user.
var SignalProber ProberFunc = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// EventBus publishes recovery audit events.
type EventBus interface {
	Publish(event events.Event)
}

// Config configures a recovery pass.
type Config struct {
	Timeout  time.Duration
	EventBus EventBus
	Logger   *log.Logger
	// SelfPID is never treated as orphaned.
	SelfPID int
}

// Manager reconciles the journal against running host processes.
type Manager struct {
	journal Journal
	prober  ProcessProber
	bus     EventBus
	logger  *log.Logger
	timeout time.Duration
	selfPID int
	now     func() time.Time
}

// NewManager constructs a recovery manager.
func NewManager(journal Journal, prober ProcessProber, cfg Config) (*Manager, error) {
	if journal == nil {
		return nil, errors.New("journal is required")
	}
	if prober == nil {
		prober = SignalProber
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		journal: journal,
		prober:  prober,
		bus:     cfg.EventBus,
		logger:  logging.OrDiscard(cfg.Logger),
		timeout: cfg.Timeout,
		selfPID: cfg.SelfPID,
		now:     time.Now,
	}, nil
}

// Recover ends every active journaled session whose host process is gone.
// Rows without a host PID are left alone.
func (m *Manager) Recover(ctx context.Context) (Result, error) {
	if m == nil {
		return Result{}, errors.New("recovery manager is nil")
	}
	started := m.now()
	auditTimestamp := started.UTC()

	records, err := m.journal.ListSessions(ctx, true)
	if err != nil {
		return Result{}, fmt.Errorf("list active sessions: %w", err)
	}

	result := Result{Scanned: len(records), Orphaned: []string{}}
	probed := map[int]bool{}
	for _, record := range records {
		if !m.orphaned(record, probed) {
			continue
		}
		err := m.journal.RecordSessionEnded(ctx, runtime.ExitInfo{
			SessionID: record.SessionID,
			Reason:    runtime.ExitReasonUnknown,
			Message:   fmt.Sprintf("host process %d exited", record.HostPID),
		})
		if errors.Is(err, store.ErrNotFound) {
			// Another host closed it first.
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("close orphaned session %s: %w", record.SessionID, err)
		}
		result.Orphaned = append(result.Orphaned, record.SessionID)
		m.logger.Warn("closed orphaned session", "session_id", record.SessionID, "host_pid", record.HostPID)
		m.publish(events.Event{
			Type:       events.EventTypeSessionOrphaned,
			Timestamp:  auditTimestamp,
			EntityType: "session",
			EntityID:   record.SessionID,
			Payload: map[string]any{
				"from":     string(record.State),
				"to":       string(runtime.StateExited),
				"host_pid": record.HostPID,
			},
			Severity: events.SeverityWarn,
		})
	}
	slices.Sort(result.Orphaned)

	result.Duration = m.now().Sub(started)
	if err := validateRecoveryDuration(result.Duration, m.timeout); err != nil {
		return Result{}, err
	}
	m.publishRecoverySummary(result, auditTimestamp)
	return result, nil
}

func (m *Manager) orphaned(record store.SessionRecord, probed map[int]bool) bool {
	pid := record.HostPID
	if pid <= 0 || pid == m.selfPID {
		return false
	}
	alive, ok := probed[pid]
	if !ok {
		alive = m.prober.Alive(pid)
		probed[pid] = alive
	}
	return !alive
}

func validateRecoveryDuration(duration, timeout time.Duration) error {
	if duration <= timeout {
		return nil
	}
	return fmt.Errorf(
		"startup recovery exceeded timeout: duration=%s timeout=%s",
		duration,
		timeout,
	)
}

func (m *Manager) publishRecoverySummary(result Result, auditTimestamp time.Time) {
	m.publish(events.Event{
		Type:       events.EventTypeRecoveryComplete,
		Timestamp:  auditTimestamp,
		EntityType: "recovery",
		EntityID:   "startup",
		Payload: map[string]any{
			"scanned_sessions":       result.Scanned,
			"orphaned_sessions":      append([]string(nil), result.Orphaned...),
			"recovery_duration_msec": result.Duration.Milliseconds(),
		},
		Severity: events.SeverityInfo,
	})
}

func (m *Manager) publish(event events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event)
}
