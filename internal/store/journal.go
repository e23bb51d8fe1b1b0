// Package store keeps a SQLite journal of runtimes, sessions and their
// state transitions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/state"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultMaxOpenConns allows concurrent readers alongside the single writer.
const DefaultMaxOpenConns = 4

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runtimes (
	runtime_id      TEXT PRIMARY KEY,
	language_id     TEXT NOT NULL,
	language_name   TEXT NOT NULL DEFAULT '',
	runtime_name    TEXT NOT NULL DEFAULT '',
	runtime_path    TEXT NOT NULL DEFAULT '',
	runtime_version TEXT NOT NULL DEFAULT '',
	runtime_source  TEXT NOT NULL DEFAULT '',
	registered_at   DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	runtime_id   TEXT NOT NULL,
	language_id  TEXT NOT NULL,
	session_name TEXT NOT NULL DEFAULT '',
	session_mode TEXT NOT NULL,
	notebook_uri TEXT NOT NULL DEFAULT '',
	host_pid     INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	ended_at     DATETIME,
	exit_code    INTEGER,
	exit_reason  TEXT NOT NULL DEFAULT '',
	exit_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_session_id ON transitions(session_id);
`

// SessionRecord is one journaled session.
type SessionRecord struct {
	SessionID   string              `json:"session_id" yaml:"session_id"`
	RuntimeID   string              `json:"runtime_id" yaml:"runtime_id"`
	LanguageID  string              `json:"language_id" yaml:"language_id"`
	SessionName string              `json:"session_name" yaml:"session_name"`
	SessionMode runtime.SessionMode `json:"session_mode" yaml:"session_mode"`
	NotebookURI string              `json:"notebook_uri,omitempty" yaml:"notebook_uri,omitempty"`
	HostPID     int                 `json:"host_pid" yaml:"host_pid"`
	State       runtime.State       `json:"state" yaml:"state"`
	StartedAt   time.Time           `json:"started_at" yaml:"started_at"`
	EndedAt     *time.Time          `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	ExitCode    *int                `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	ExitReason  runtime.ExitReason  `json:"exit_reason,omitempty" yaml:"exit_reason,omitempty"`
	ExitMessage string              `json:"exit_message,omitempty" yaml:"exit_message,omitempty"`
}

// Active reports whether the session has not ended.
func (r SessionRecord) Active() bool {
	return r.EndedAt == nil
}

// Options configures a Journal.
type Options struct {
	Logger       *log.Logger
	Clock        func() time.Time
	MaxOpenConns int
	// HostPID is stamped on sessions this journal starts. Defaults to the
	// current process.
	HostPID int
}

// Journal is a SQLite-backed record of session lifecycles.
type Journal struct {
	db      *sql.DB
	logger  *log.Logger
	clock   func() time.Time
	hostPID int
}

var _ state.Recorder = (*Journal)(nil)

// dsnWithPragmas applies WAL and a busy timeout to every pooled connection.
func dsnWithPragmas(path string) string {
	return path + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
}

// Open creates path's directory if needed and migrates the schema.
func Open(ctx context.Context, path string, opts Options) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsnWithPragmas(path))
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal %q: %w", path, err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.HostPID <= 0 {
		opts.HostPID = os.Getpid()
	}
	return &Journal{db: db, logger: logging.OrDiscard(opts.Logger), clock: opts.Clock, hostPID: opts.HostPID}, nil
}

// HostPID returns the process ID stamped on sessions this journal starts.
func (j *Journal) HostPID() int {
	return j.hostPID
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordRuntime inserts or refreshes a runtime row.
func (j *Journal) RecordRuntime(ctx context.Context, meta runtime.RuntimeMetadata) error {
	err := retryOnBusy(ctx, func() error {
		_, e := j.db.ExecContext(ctx,
			`INSERT INTO runtimes (runtime_id, language_id, language_name, runtime_name, runtime_path, runtime_version, runtime_source, registered_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(runtime_id) DO UPDATE SET
				language_id = excluded.language_id,
				language_name = excluded.language_name,
				runtime_name = excluded.runtime_name,
				runtime_path = excluded.runtime_path,
				runtime_version = excluded.runtime_version,
				runtime_source = excluded.runtime_source`,
			meta.RuntimeID, meta.LanguageID, meta.LanguageName, meta.RuntimeName,
			meta.RuntimePath, meta.RuntimeVersion, meta.RuntimeSource, j.clock().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("record runtime %s: %w", meta.RuntimeID, err)
	}
	return nil
}

// Runtimes returns every journaled runtime ordered by ID.
func (j *Journal) Runtimes(ctx context.Context) ([]runtime.RuntimeMetadata, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT runtime_id, language_id, language_name, runtime_name, runtime_path, runtime_version, runtime_source
		 FROM runtimes ORDER BY runtime_id`)
	if err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}
	defer rows.Close()

	out := []runtime.RuntimeMetadata{}
	for rows.Next() {
		var meta runtime.RuntimeMetadata
		if err := rows.Scan(&meta.RuntimeID, &meta.LanguageID, &meta.LanguageName, &meta.RuntimeName,
			&meta.RuntimePath, &meta.RuntimeVersion, &meta.RuntimeSource); err != nil {
			return nil, fmt.Errorf("scan runtime: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runtimes: %w", err)
	}
	return out, nil
}

// RecordSessionStarted inserts a session row. Its state is the latest
// journaled transition, or idle when none was recorded.
func (j *Journal) RecordSessionStarted(ctx context.Context, info runtime.SessionInfo) error {
	meta := info.Metadata
	startedAt := meta.CreatedAt
	if startedAt.IsZero() {
		startedAt = j.clock()
	}
	err := retryOnBusy(ctx, func() error {
		_, e := j.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, runtime_id, language_id, session_name, session_mode, notebook_uri, host_pid, state, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?,
				COALESCE((SELECT to_state FROM transitions WHERE session_id = ? ORDER BY id DESC LIMIT 1), ?),
				?)
			 ON CONFLICT(session_id) DO NOTHING`,
			meta.SessionID, info.Runtime.RuntimeID, info.Runtime.LanguageID, meta.SessionName,
			string(meta.SessionMode), meta.NotebookURI, j.hostPID,
			meta.SessionID, string(runtime.StateIdle),
			startedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("record session %s started: %w", meta.SessionID, err)
	}
	return nil
}

// RecordSessionEnded stamps the exit of a journaled session.
func (j *Journal) RecordSessionEnded(ctx context.Context, info runtime.ExitInfo) error {
	var result sql.Result
	err := retryOnBusy(ctx, func() error {
		var e error
		result, e = j.db.ExecContext(ctx,
			`UPDATE sessions SET state = ?, ended_at = ?, exit_code = ?, exit_reason = ?, exit_message = ?
			 WHERE session_id = ? AND ended_at IS NULL`,
			string(runtime.StateExited), j.clock().UTC(), info.ExitCode, string(info.Reason), info.Message,
			info.SessionID,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("record session %s ended: %w", info.SessionID, err)
	}
	return checkRowAffected(result, info.SessionID)
}

// RecordTransition journals one accepted state transition and mirrors the
// target state onto the session row when it exists.
func (j *Journal) RecordTransition(ctx context.Context, record state.TransitionRecord) error {
	at := record.Timestamp
	if at.IsZero() {
		at = j.clock()
	}
	err := retryOnBusy(ctx, func() error {
		tx, e := j.db.BeginTx(ctx, nil)
		if e != nil {
			return e
		}
		defer func() { _ = tx.Rollback() }()

		if _, e = tx.ExecContext(ctx,
			`INSERT INTO transitions (session_id, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?)`,
			record.SessionID, string(record.FromState), string(record.ToState), record.Reason, at.UTC(),
		); e != nil {
			return e
		}
		if _, e = tx.ExecContext(ctx,
			`UPDATE sessions SET state = ? WHERE session_id = ? AND ended_at IS NULL`,
			string(record.ToState), record.SessionID,
		); e != nil {
			return e
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("record transition %s -> %s for %s: %w", record.FromState, record.ToState, record.SessionID, err)
	}
	return nil
}

// Transitions returns the journaled transitions of sessionID in order.
func (j *Journal) Transitions(ctx context.Context, sessionID string) ([]state.TransitionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, from_state, to_state, reason, at FROM transitions WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transitions for %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := []state.TransitionRecord{}
	for rows.Next() {
		var record state.TransitionRecord
		var from, to string
		if err := rows.Scan(&record.SessionID, &from, &to, &record.Reason, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		record.FromState = runtime.State(from)
		record.ToState = runtime.State(to)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// GetSession returns one journaled session.
func (j *Journal) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	row := j.db.QueryRowContext(ctx, selectSessionSQL+` WHERE session_id = ?`, sessionID)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return record, err
}

// ListSessions returns sessions newest first. activeOnly drops ended ones.
func (j *Journal) ListSessions(ctx context.Context, activeOnly bool) ([]SessionRecord, error) {
	query := selectSessionSQL
	if activeOnly {
		query += ` WHERE ended_at IS NULL`
	}
	query += ` ORDER BY started_at DESC, session_id`

	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Attach journals registry events published on bus and returns a func that
// detaches the subscription. One subscriber handles every type so a
// session's end is never written before its start.
func (j *Journal) Attach(bus events.Bus) func() {
	return bus.SubscribeAll(func(event events.Event) {
		ctx := context.Background()
		var err error
		switch payload := event.Payload.(type) {
		case runtime.RuntimeMetadata:
			if event.Type == events.EventTypeRuntimeRegistered {
				err = j.RecordRuntime(ctx, payload)
			}
		case runtime.SessionInfo:
			if event.Type == events.EventTypeSessionStarted {
				err = j.RecordSessionStarted(ctx, payload)
			}
		case runtime.ExitInfo:
			if event.Type == events.EventTypeSessionEnded {
				err = j.RecordSessionEnded(ctx, payload)
			}
		}
		j.logIfError(err, event)
	})
}

func (j *Journal) logIfError(err error, event events.Event) {
	if err == nil {
		return
	}
	j.logger.Warn("journal write failed", "event_type", event.Type, "entity_id", event.EntityID, "error", err)
}

const selectSessionSQL = `SELECT session_id, runtime_id, language_id, session_name, session_mode, notebook_uri,
	host_pid, state, started_at, ended_at, exit_code, exit_reason, exit_message FROM sessions`

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (SessionRecord, error) {
	var record SessionRecord
	var mode, current, reason string
	var endedAt sql.NullTime
	var exitCode sql.NullInt64
	err := row.Scan(
		&record.SessionID, &record.RuntimeID, &record.LanguageID, &record.SessionName, &mode, &record.NotebookURI,
		&record.HostPID, &current, &record.StartedAt, &endedAt, &exitCode, &reason, &record.ExitMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, err
		}
		return SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	record.SessionMode = runtime.SessionMode(mode)
	record.State = runtime.State(current)
	record.ExitReason = runtime.ExitReason(reason)
	if endedAt.Valid {
		ended := endedAt.Time
		record.EndedAt = &ended
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		record.ExitCode = &code
	}
	return record, nil
}

func checkRowAffected(result sql.Result, sessionID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// isBusyLock reports whether err is SQLITE_BUSY, including wrapped forms.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy retries fn on SQLITE_BUSY with exponential backoff.
func retryOnBusy(ctx context.Context, fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := range maxAttempts {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
