package events

import "sync"

// Emitter delivers values of one type to listeners synchronously, in
// subscription order, on the caller's goroutine.
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners []*listener[T]
	nextID    uint64
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// On registers fn and returns a func that detaches it. Calling the returned
// func more than once is harmless.
func (e *Emitter[T]) On(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	e.nextID++
	l := &listener[T]{id: e.nextID, fn: fn}
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(l.id) })
	}
}

// Emit calls every listener registered at the time of the call.
func (e *Emitter[T]) Emit(value T) {
	e.mu.RLock()
	snapshot := make([]*listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(value)
	}
}

// Len returns the number of attached listeners.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Clear detaches every listener.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}
