package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	stateEvents := make(chan Event, 1)
	endedEvents := make(chan Event, 1)

	bus.Subscribe(EventTypeSessionStateChanged, func(event Event) {
		stateEvents <- event
	})
	bus.Subscribe(EventTypeSessionEnded, func(event Event) {
		endedEvents <- event
	})

	bus.Publish(Event{
		Type:       EventTypeSessionStateChanged,
		EntityType: "session",
		EntityID:   "python-1",
		Severity:   SeverityInfo,
	})

	select {
	case got := <-stateEvents:
		if got.Type != EventTypeSessionStateChanged {
			t.Fatalf("received type = %q, want %q", got.Type, EventTypeSessionStateChanged)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state subscriber event")
	}

	select {
	case got := <-endedEvents:
		t.Fatalf("unexpected ended event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{
		Type:       EventTypeSessionStarted,
		EntityType: "session",
		EntityID:   "python-2",
		Severity:   SeverityInfo,
	})
	bus.Publish(Event{
		Type:       EventTypeForegroundSessionChanged,
		EntityType: "registry",
		EntityID:   "python-2",
		Severity:   SeverityWarn,
	})

	gotFirst := waitForEvent(t, all)
	gotSecond := waitForEvent(t, all)
	got := []string{gotFirst.Type, gotSecond.Type}

	if !containsType(got, EventTypeSessionStarted) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeSessionStarted, got)
	}
	if !containsType(got, EventTypeForegroundSessionChanged) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeForegroundSessionChanged, got)
	}
}

func TestPublishNeverDropsAndReturnsQuicklyWhenSubscriberIsSlow(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBacklogWarning(2), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})
	received := make(chan string, 10)

	bus.Subscribe(EventTypeSessionStateChanged, func(event Event) {
		select {
		case started <- struct{}{}:
			<-unblock
		default:
		}
		received <- event.EntityID
	})

	bus.Publish(Event{Type: EventTypeSessionStateChanged, EntityType: "session", EntityID: "0"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	start := time.Now()
	for i := 1; i <= 5; i++ {
		bus.Publish(Event{Type: EventTypeSessionStateChanged, EntityType: "session", EntityID: fmt.Sprint(i)})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}

	close(unblock)

	for want := 0; want <= 5; want++ {
		got := waitForString(t, received)
		if got != fmt.Sprint(want) {
			t.Fatalf("event %d delivered as %q; want in-order delivery", want, got)
		}
	}
	if !logger.contains("subscriber backlog") {
		t.Fatalf("expected backlog warning log, got %v", logger.messages())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := New()
	typed := make(chan Event, 4)
	all := make(chan Event, 4)

	stopTyped := bus.Subscribe(EventTypeRuntimeRegistered, func(event Event) { typed <- event })
	stopAll := bus.SubscribeAll(func(event Event) { all <- event })

	bus.Publish(Event{Type: EventTypeRuntimeRegistered, EntityID: "py"})
	waitForEvent(t, typed)
	waitForEvent(t, all)

	stopTyped()
	stopAll()
	stopAll()

	bus.Publish(Event{Type: EventTypeRuntimeRegistered, EntityID: "r"})
	select {
	case got := <-typed:
		t.Fatalf("typed subscriber received after unsubscribe: %#v", got)
	case got := <-all:
		t.Fatalf("wildcard subscriber received after unsubscribe: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	t.Parallel()

	bus := New()
	var count atomic.Int64
	bus.SubscribeAll(func(Event) {
		time.Sleep(time.Millisecond)
		count.Add(1)
	})

	for i := 0; i < 20; i++ {
		bus.Publish(Event{Type: EventTypeSessionEnded, EntityID: fmt.Sprint(i)})
	}
	bus.Close()

	if got := count.Load(); got != 20 {
		t.Fatalf("delivered = %d, want 20 after Close", got)
	}

	bus.Publish(Event{Type: EventTypeSessionEnded})
	if stop := bus.Subscribe(EventTypeSessionEnded, func(Event) {}); stop == nil {
		t.Fatal("Subscribe after Close returned nil func")
	}
}

func TestPublishPopulatesTimestampAndPreservesMetadata(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	ch := make(chan Event, 1)

	bus.Subscribe(EventTypeRuntimeDiscoveryComplete, func(event Event) {
		ch <- event
	})

	bus.Publish(Event{
		Type:       EventTypeRuntimeDiscoveryComplete,
		EntityType: "language",
		EntityID:   "python",
		Payload:    map[string]any{"runtimes": 2},
		Severity:   SeverityInfo,
	})

	got := waitForEvent(t, ch)
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp is zero; expected publish to populate timestamp")
	}
	if got.EntityType != "language" {
		t.Fatalf("entity type = %q, want %q", got.EntityType, "language")
	}
	if got.EntityID != "python" {
		t.Fatalf("entity id = %q, want %q", got.EntityID, "python")
	}
	if got.Severity != SeverityInfo {
		t.Fatalf("severity = %q, want %q", got.Severity, SeverityInfo)
	}
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	expectedFromWildcard := int64(publisherCount * eventsPerPublisher)

	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{
					Type:       EventTypeRuntimeRegistered,
					EntityType: "runtime",
					EntityID:   "python-concurrent",
					Payload:    map[string]int{"publisher": i, "index": j},
					Severity:   SeverityInfo,
				})
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeRuntimeRegistered, func(Event) {})
		}()
	}

	wg.Wait()
	waitForCount(t, &received, expectedFromWildcard, 2*time.Second)
}

func containsType(types []string, want string) bool {
	for _, eventType := range types {
		if eventType == want {
			return true
		}
	}
	return false
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitForString(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case value := <-ch:
		return value
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		return ""
	}
}

func waitForCount(t *testing.T, got *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", got.Load(), want)
}

type captureLogger struct {
	mu   sync.Mutex
	logs []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = append(c.logs, fmt.Sprintf(format, args...))
}

func (c *captureLogger) contains(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, message := range c.logs {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func (c *captureLogger) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}
