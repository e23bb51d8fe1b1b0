package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kernelhost/khost/internal/events"
	"github.com/kernelhost/khost/internal/kernel/kerneltest"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	py1 = runtime.RuntimeMetadata{RuntimeID: "py1", LanguageID: "python", RuntimeName: "Python 3"}
	r4  = runtime.RuntimeMetadata{RuntimeID: "r4", LanguageID: "r", RuntimeName: "R 4"}
)

type fakeManager struct {
	mu         sync.Mutex
	kernels    map[string]*kerneltest.Kernel
	createErr  error
	connectErr error
	validated  map[string]bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{kernels: map[string]*kerneltest.Kernel{}, validated: map[string]bool{}}
}

func (m *fakeManager) CreateSession(_ context.Context, rt runtime.RuntimeMetadata, meta runtime.SessionMetadata) (runtime.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	kernel := kerneltest.New()
	kernel.ConnectErr = m.connectErr
	m.kernels[meta.SessionID] = kernel
	return session.New(rt, meta, kernel, session.Options{ShutdownTimeout: 100 * time.Millisecond}), nil
}

func (m *fakeManager) ValidateSession(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validated[sessionID], nil
}

func (m *fakeManager) kernel(sessionID string) *kerneltest.Kernel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernels[sessionID]
}

type endLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *endLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *endLog) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func newRegistry(t *testing.T, opts Options) (*Registry, *fakeManager) {
	t.Helper()
	r := New(opts)
	manager := newFakeManager()
	r.RegisterLanguageRuntimeManager("python", manager)
	r.RegisterLanguageRuntimeManager("r", manager)
	r.RegisterRuntime(py1)
	r.RegisterRuntime(r4)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, manager
}

func TestScenarioConsoleSessionLifecycle(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, Options{})
	ends := &endLog{}
	r.OnDidEndSession(func(info runtime.ExitInfo) { ends.add(info.SessionID) })
	ctx := context.Background()

	s, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole})
	require.NoError(t, err)
	assert.Len(t, r.ActiveSessions(), 1)
	assert.Equal(t, s.SessionID(), r.ForegroundSession())
	assert.Regexp(t, `^python-`, s.SessionID())

	require.NoError(t, r.ShutdownSession(ctx, s.SessionID(), runtime.ExitReasonShutdown))
	assert.Empty(t, r.ActiveSessions())
	assert.Equal(t, "", r.ForegroundSession())
	assert.Equal(t, []string{s.SessionID()}, ends.IDs())
	assert.Equal(t, runtime.StateExited, s.State())
}

func TestScenarioConsoleLookupByLanguage(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, Options{})
	ctx := context.Background()

	rSession, err := r.StartSession(ctx, StartOptions{Runtime: r4, Mode: runtime.SessionModeConsole})
	require.NoError(t, err)
	pySession, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole})
	require.NoError(t, err)

	found, ok := r.GetConsoleSessionForLanguage("python")
	require.True(t, ok)
	assert.Equal(t, pySession.SessionID(), found.SessionID())
	found, ok = r.GetConsoleSessionForRuntime("r4")
	require.True(t, ok)
	assert.Equal(t, rSession.SessionID(), found.SessionID())

	require.NoError(t, r.ShutdownSession(ctx, pySession.SessionID(), runtime.ExitReasonShutdown))
	_, ok = r.GetConsoleSessionForLanguage("python")
	assert.False(t, ok)
	_, ok = r.GetSession(rSession.SessionID())
	assert.True(t, ok)
	assert.Equal(t, runtime.StateIdle, rSession.State())
}

func TestOnlyConsoleSessionsTakeForeground(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, Options{})
	ctx := context.Background()

	s, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeNotebook, NotebookURI: "file:///a.ipynb"})
	require.NoError(t, err)
	assert.Equal(t, "", r.ForegroundSession())

	_, ok := r.GetConsoleSessionForLanguage("python")
	assert.False(t, ok, "notebook sessions are not console sessions")

	bound, ok := r.GetNotebookSessionForNotebookURI("file:///a.ipynb")
	require.True(t, ok)
	assert.Equal(t, s.SessionID(), bound.SessionID())

	require.NoError(t, r.ShutdownSession(ctx, s.SessionID(), ""))
	_, ok = r.GetNotebookSessionForNotebookURI("file:///a.ipynb")
	assert.False(t, ok)
}

func TestStartFailureLeavesRegistryUntouched(t *testing.T) {
	t.Parallel()

	r, manager := newRegistry(t, Options{})
	var started, foreground int
	r.OnDidStartSession(func(runtime.Session) { started++ })
	r.OnDidChangeForegroundSession(func(string) { foreground++ })
	ctx := context.Background()

	manager.connectErr = errors.New("interpreter missing")
	_, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole})
	require.ErrorIs(t, err, runtime.ErrStartup)

	manager.connectErr = nil
	manager.createErr = errors.New("factory exploded")
	_, err = r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole})
	require.ErrorContains(t, err, "factory exploded")

	assert.Empty(t, r.ActiveSessions())
	assert.Equal(t, "", r.ForegroundSession())
	assert.Zero(t, started)
	assert.Zero(t, foreground)
}

func TestStartWithoutManager(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	_, err := r.StartSession(context.Background(), StartOptions{Runtime: runtime.RuntimeMetadata{RuntimeID: "jl", LanguageID: "julia"}})
	require.ErrorIs(t, err, runtime.ErrNoRuntimeManager)
	var managerErr *runtime.NoRuntimeManagerError
	require.ErrorAs(t, err, &managerErr)
	assert.Equal(t, "julia", managerErr.LanguageID)
}

func TestRuntimeCatalog(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	var registered []string
	r.OnDidRegisterRuntime(func(meta runtime.RuntimeMetadata) { registered = append(registered, meta.RuntimeID) })

	assert.True(t, r.RegisterRuntime(py1))
	assert.False(t, r.RegisterRuntime(py1))
	assert.True(t, r.RegisterRuntime(runtime.RuntimeMetadata{RuntimeID: "py2", LanguageID: "python"}))
	assert.False(t, r.RegisterRuntime(runtime.RuntimeMetadata{RuntimeID: "broken"}))

	preferred, ok := r.GetPreferredRuntime("python")
	require.True(t, ok)
	assert.Equal(t, "py1", preferred.RuntimeID)
	_, ok = r.GetPreferredRuntime("r")
	assert.False(t, ok)
	assert.Equal(t, []string{"py1", "py2"}, registered)
	assert.Len(t, r.Runtimes(), 2)
}

func TestLastManagerWinsAndUnregisterIsExact(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	first := newFakeManager()
	second := newFakeManager()
	second.createErr = errors.New("second")

	unregisterFirst := r.RegisterLanguageRuntimeManager("python", first)
	r.RegisterLanguageRuntimeManager("python", second)
	unregisterFirst()

	_, err := r.StartSession(context.Background(), StartOptions{Runtime: py1})
	require.ErrorContains(t, err, "second", "unregistering a replaced manager leaves the current one")
}

func TestForegroundChangesFireOncePerRealChange(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, Options{})
	ctx := context.Background()
	a, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeBackground})
	require.NoError(t, err)
	b, err := r.StartSession(ctx, StartOptions{Runtime: r4, Mode: runtime.SessionModeBackground})
	require.NoError(t, err)

	var changes []string
	r.OnDidChangeForegroundSession(func(id string) { changes = append(changes, id) })

	r.SetForegroundSession(a.SessionID())
	r.SetForegroundSession(a.SessionID())
	r.SetForegroundSession("unknown")
	r.FocusSession(b.SessionID())
	r.FocusSession("unknown")
	r.SetForegroundSession("")
	r.SetForegroundSession("")

	assert.Equal(t, []string{a.SessionID(), b.SessionID(), ""}, changes)
}

func TestForegroundClearedBeforeEndEvent(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, Options{})
	ctx := context.Background()
	s, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole})
	require.NoError(t, err)

	var foregroundAtEnd []string
	r.OnDidEndSession(func(runtime.ExitInfo) {
		foregroundAtEnd = append(foregroundAtEnd, r.ForegroundSession())
	})

	require.NoError(t, r.ShutdownSession(ctx, s.SessionID(), runtime.ExitReasonShutdown))
	assert.Equal(t, []string{""}, foregroundAtEnd)
}

func TestRestartMintsNewIdentity(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, Options{})
	ctx := context.Background()
	old, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole, Name: "main"})
	require.NoError(t, err)

	var reasons []runtime.ExitReason
	r.OnDidEndSession(func(info runtime.ExitInfo) { reasons = append(reasons, info.Reason) })

	replacement, err := r.RestartSession(ctx, old.SessionID(), "")
	require.NoError(t, err)
	assert.NotEqual(t, old.SessionID(), replacement.SessionID())
	_, ok := r.GetSession(old.SessionID())
	assert.False(t, ok)
	assert.Equal(t, "main", replacement.Metadata().SessionName)
	assert.Equal(t, py1.RuntimeID, replacement.RuntimeMetadata().RuntimeID)
	assert.Equal(t, replacement.SessionID(), r.ForegroundSession())
	assert.Equal(t, []runtime.ExitReason{runtime.ExitReasonRestart}, reasons)

	_, err = r.RestartSession(ctx, "missing", "")
	require.ErrorIs(t, err, runtime.ErrNoRuntimeFound)
}

func TestSelfExitCleansUpExactlyOnce(t *testing.T) {
	t.Parallel()

	r, manager := newRegistry(t, Options{})
	ends := &endLog{}
	r.OnDidEndSession(func(info runtime.ExitInfo) { ends.add(info.SessionID) })
	ctx := context.Background()

	s, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole, NotebookURI: "file:///n.ipynb"})
	require.NoError(t, err)

	manager.kernel(s.SessionID()).Exit(9)
	require.Eventually(t, func() bool { return len(r.ActiveSessions()) == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.ShutdownSession(ctx, s.SessionID(), runtime.ExitReasonShutdown))
	assert.Equal(t, []string{s.SessionID()}, ends.IDs())
	assert.Equal(t, "", r.ForegroundSession())
	_, ok := r.GetNotebookSessionForNotebookURI("file:///n.ipynb")
	assert.False(t, ok)
}

func TestInterleavedShutdownAndSelfExitDoNotLeak(t *testing.T) {
	t.Parallel()

	r, manager := newRegistry(t, Options{})
	ends := &endLog{}
	r.OnDidEndSession(func(info runtime.ExitInfo) { ends.add(info.SessionID) })
	ctx := context.Background()

	const count = 12
	ids := make([]string, 0, count)
	for i := range count {
		rt := py1
		if i%2 == 1 {
			rt = r4
		}
		s, err := r.StartSession(ctx, StartOptions{Runtime: rt, Mode: runtime.SessionModeConsole})
		require.NoError(t, err)
		ids = append(ids, s.SessionID())
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = r.ShutdownSession(ctx, id, runtime.ExitReasonShutdown)
			case 1:
				manager.kernel(id).Exit(1)
			default:
				manager.kernel(id).Exit(1)
				_ = r.ShutdownSession(ctx, id, runtime.ExitReasonShutdown)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(ends.IDs()) == count }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, r.ActiveSessions())
	assert.Equal(t, "", r.ForegroundSession())
	assert.ElementsMatch(t, ids, ends.IDs())
}

func TestRegisterSessionRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	kernel := kerneltest.New()
	s := session.New(py1, runtime.SessionMetadata{SessionID: "python-fixed", SessionMode: runtime.SessionModeConsole}, kernel, session.Options{})
	t.Cleanup(s.Dispose)
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.RegisterSession(context.Background(), s, ""))
	err = r.RegisterSession(context.Background(), s, "")
	require.ErrorIs(t, err, runtime.ErrSessionExists)
	assert.Len(t, r.ActiveSessions(), 1)
	assert.Equal(t, "", r.ForegroundSession(), "external sessions are not brought forward")

	kernel.Exit(0)
	require.Eventually(t, func() bool { return len(r.ActiveSessions()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegisterExitedSessionFails(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	s := session.New(py1, runtime.SessionMetadata{}, kerneltest.New(), session.Options{})
	require.NoError(t, s.Shutdown(context.Background(), runtime.ExitReasonShutdown))

	err := r.RegisterSession(context.Background(), s, "")
	require.ErrorIs(t, err, runtime.ErrSessionExited)
	assert.Empty(t, r.ActiveSessions())
}

func TestInterruptAndUnknownIDs(t *testing.T) {
	t.Parallel()

	r, manager := newRegistry(t, Options{})
	ctx := context.Background()
	s, err := r.StartSession(ctx, StartOptions{Runtime: py1})
	require.NoError(t, err)

	kernel := manager.kernel(s.SessionID())
	kernel.Emit("", runtime.StateChange{State: runtime.StateBusy})
	require.Eventually(t, func() bool { return s.State() == runtime.StateBusy }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.InterruptSession(ctx, s.SessionID()))
	assert.Equal(t, 1, kernel.Interrupts())
	require.NoError(t, r.InterruptSession(ctx, "missing"))
	require.NoError(t, r.ShutdownSession(ctx, "missing", ""))
}

func TestValidateSessionDelegates(t *testing.T) {
	t.Parallel()

	r, manager := newRegistry(t, Options{})
	manager.validated["python-live"] = true

	ok, err := r.ValidateSession(context.Background(), "python", "python-live")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ValidateSession(context.Background(), "python", "python-gone")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.ValidateSession(context.Background(), "julia", "julia-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseShutsEverythingDown(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, Options{})
	ctx := context.Background()
	var sessions []runtime.Session
	for range 3 {
		s, err := r.StartSession(ctx, StartOptions{Runtime: py1})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	require.NoError(t, r.Close(ctx))
	assert.Empty(t, r.ActiveSessions())
	for _, s := range sessions {
		assert.Equal(t, runtime.StateExited, s.State())
	}
	_, err := r.StartSession(ctx, StartOptions{Runtime: py1})
	require.ErrorIs(t, err, ErrClosed)
}

type gatedManager struct {
	entered chan struct{}
	release chan struct{}
	created chan runtime.Session
}

func (m *gatedManager) CreateSession(_ context.Context, rt runtime.RuntimeMetadata, meta runtime.SessionMetadata) (runtime.Session, error) {
	close(m.entered)
	<-m.release
	s := session.New(rt, meta, kerneltest.New(), session.Options{ShutdownTimeout: 100 * time.Millisecond})
	m.created <- s
	return s, nil
}

func TestCloseRejectsStartInFlight(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	manager := &gatedManager{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		created: make(chan runtime.Session, 1),
	}
	r.RegisterLanguageRuntimeManager("python", manager)
	ctx := context.Background()

	type startResult struct {
		session runtime.Session
		err     error
	}
	done := make(chan startResult, 1)
	go func() {
		s, err := r.StartSession(ctx, StartOptions{Runtime: py1})
		done <- startResult{session: s, err: err}
	}()

	<-manager.entered
	require.NoError(t, r.Close(ctx))
	close(manager.release)

	result := <-done
	require.ErrorIs(t, result.err, ErrClosed)
	assert.Nil(t, result.session)
	assert.Empty(t, r.ActiveSessions())
	assert.Empty(t, r.ForegroundSession())

	created := <-manager.created
	assert.Equal(t, runtime.StateExited, created.State())
}

func TestRegisterSessionAfterClose(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	require.NoError(t, r.Close(context.Background()))

	s := session.New(py1, runtime.SessionMetadata{SessionID: "python-late"}, kerneltest.New(), session.Options{})
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Dispose)

	err = r.RegisterSession(context.Background(), s, "")
	require.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, r.ActiveSessions())
}

func TestBusReceivesLifecycleEvents(t *testing.T) {
	t.Parallel()

	bus := events.New()
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	var seen []string
	bus.SubscribeAll(func(event events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s:%s", event.Type, event.Severity))
	})

	r, _ := newRegistry(t, Options{Bus: bus, NewSessionID: func(lang string) string { return lang + "-fixed" }})
	ctx := context.Background()
	s, err := r.StartSession(ctx, StartOptions{Runtime: py1, Mode: runtime.SessionModeConsole})
	require.NoError(t, err)
	assert.Equal(t, "python-fixed", s.SessionID())
	require.NoError(t, r.ShutdownSession(ctx, s.SessionID(), runtime.ExitReasonShutdown))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, entry := range seen {
			if entry == events.EventTypeSessionEnded+":"+events.SeverityInfo {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, events.EventTypeRuntimeRegistered+":"+events.SeverityInfo)
	assert.Contains(t, seen, events.EventTypeSessionStarted+":"+events.SeverityInfo)
	assert.Contains(t, seen, events.EventTypeForegroundSessionChanged+":"+events.SeverityInfo)
	assert.Contains(t, seen, events.EventTypeSessionStateChanged+":"+events.SeverityInfo)
}
