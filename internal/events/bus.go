package events

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBacklogWarning is the per-subscriber queue depth that triggers a
	// backlog warning. Queues are unbounded; events are never dropped.
	DefaultBacklogWarning = 100

	// EventTypeSessionStarted is published after a session becomes active.
	EventTypeSessionStarted = "SessionStarted"
	// EventTypeSessionEnded is published after a session is removed.
	EventTypeSessionEnded = "SessionEnded"
	// EventTypeForegroundSessionChanged is published once per foreground change.
	EventTypeForegroundSessionChanged = "ForegroundSessionChanged"
	// EventTypeSessionStateChanged mirrors per-session state changes.
	EventTypeSessionStateChanged = "SessionStateChanged"
	// EventTypeRuntimeRegistered is published the first time a runtime is registered.
	EventTypeRuntimeRegistered = "RuntimeRegistered"
	// EventTypeRuntimeDiscoveryComplete is published when a language finishes discovery.
	EventTypeRuntimeDiscoveryComplete = "RuntimeDiscoveryComplete"
	// EventTypeSessionOrphaned is published when startup recovery closes a
	// journaled session whose host process is gone.
	EventTypeSessionOrphaned = "SessionOrphaned"
	// EventTypeRecoveryComplete summarizes one startup recovery pass.
	EventTypeRecoveryComplete = "RecoveryComplete"
)

const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures backlog warnings.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior. Subscribe and
// SubscribeAll return a func that detaches the handler.
type Bus interface {
	Subscribe(eventType string, handler Handler) func()
	SubscribeAll(handler Handler) func()
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBacklogWarning sets the queue depth at which a backlog warning is logged.
func WithBacklogWarning(depth int) Option {
	return func(bus *InMemoryBus) {
		if depth > 0 {
			bus.backlogWarning = depth
		}
	}
}

// WithLogger configures the log sink used for backlog warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus. Each subscriber owns
// an unbounded FIFO queue drained by one goroutine, so delivery is in
// publish order and never blocks the publisher.
type InMemoryBus struct {
	mu             sync.RWMutex
	backlogWarning int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
}

type subscriber struct {
	id      uint64
	handler Handler

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	stopped bool
	warned  bool
	done    chan struct{}
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		backlogWarning: DefaultBacklogWarning,
		logger:         log.New(io.Discard),
		typedSubs:      make(map[string][]*subscriber),
		wildcardSubs:   make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.newSubscriberLocked(handler)
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go sub.consume()
	return func() { b.unsubscribe(normalizedType, sub) }
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.newSubscriberLocked(handler)
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go sub.consume()
	return func() { b.unsubscribe("", sub) }
}

// Publish enqueues an event for typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

// Close detaches every subscriber and waits until each consumer has drained
// the events queued before the call.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*subscriber, 0, len(b.wildcardSubs))
	for _, subs := range b.typedSubs {
		all = append(all, subs...)
	}
	all = append(all, b.wildcardSubs...)
	b.typedSubs = make(map[string][]*subscriber)
	b.wildcardSubs = nil
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	for _, sub := range all {
		<-sub.done
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	depth, ok := sub.enqueue(event)
	if !ok {
		return
	}
	if depth >= b.backlogWarning && sub.markWarned() {
		b.logger.Printf(
			"events: subscriber backlog subscriber=%d depth=%d type=%s entity_type=%s entity_id=%s",
			sub.id,
			depth,
			event.Type,
			event.EntityType,
			event.EntityID,
		)
	}
}

func (b *InMemoryBus) unsubscribe(eventType string, target *subscriber) {
	b.mu.Lock()
	if eventType == "" {
		b.wildcardSubs = removeSubscriber(b.wildcardSubs, target)
	} else {
		b.typedSubs[eventType] = removeSubscriber(b.typedSubs[eventType], target)
		if len(b.typedSubs[eventType]) == 0 {
			delete(b.typedSubs, eventType)
		}
	}
	b.mu.Unlock()

	target.stop()
}

func removeSubscriber(subs []*subscriber, target *subscriber) []*subscriber {
	out := subs[:0]
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}

func (b *InMemoryBus) newSubscriberLocked(handler Handler) *subscriber {
	b.nextSubscriber++
	return &subscriber{
		id:      b.nextSubscriber,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscriber) enqueue(event Event) (int, bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, false
	}
	s.queue = append(s.queue, event)
	depth := len(s.queue)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return depth, true
}

func (s *subscriber) markWarned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned {
		return false
	}
	s.warned = true
	return true
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) consume() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			s.warned = false
			s.mu.Unlock()
			<-s.wake
			continue
		}
		event := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(event)
	}
}
