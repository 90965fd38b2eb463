// Package events provides a small one-to-many event emitter with one-shot
// subscriptions. It is meant to be embedded by composition in routers and
// transports that need to defer work until a named condition fires.
package events

import "sync"

type subscription[T any] struct {
	id   uint64
	fn   func(T)
	once bool
}

// Emitter dispatches values of type T to handlers registered by event name.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[string][]subscription[T]
}

// On registers fn for every emission of event. The returned func removes it.
func (e *Emitter[T]) On(event string, fn func(T)) func() {
	return e.add(event, fn, false)
}

// Once registers fn for the next emission of event only.
func (e *Emitter[T]) Once(event string, fn func(T)) func() {
	return e.add(event, fn, true)
}

func (e *Emitter[T]) add(event string, fn func(T), once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[string][]subscription[T])
	}
	e.next++
	id := e.next
	e.subs[event] = append(e.subs[event], subscription[T]{id: id, fn: fn, once: once})

	return func() { e.remove(event, id) }
}

func (e *Emitter[T]) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subs[event]
	for i, s := range subs {
		if s.id == id {
			e.subs[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(e.subs[event]) == 0 {
		delete(e.subs, event)
	}
}

// Emit calls the handlers registered for event in registration order.
// Handlers registered while Emit runs are not called by this emission, and
// one-shot handlers are removed before any handler runs, so a handler may
// safely re-subscribe or emit again.
func (e *Emitter[T]) Emit(event string, v T) {
	e.mu.Lock()
	subs := e.subs[event]
	if len(subs) == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]subscription[T], len(subs))
	copy(snapshot, subs)

	kept := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(e.subs, event)
	} else {
		e.subs[event] = kept
	}
	e.mu.Unlock()

	for _, s := range snapshot {
		if !s.once && !e.active(event, s.id) {
			continue
		}
		s.fn(v)
	}
}

// active reports whether a persistent subscription is still registered; a
// handler earlier in the same emission may have cancelled it.
func (e *Emitter[T]) active(event string, id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.subs[event] {
		if s.id == id {
			return true
		}
	}
	return false
}

// Off removes every handler for event, or every handler when event is "".
func (e *Emitter[T]) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if event == "" {
		e.subs = nil
		return
	}
	delete(e.subs, event)
}

// Len returns the number of handlers waiting on event.
func (e *Emitter[T]) Len(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[event])
}
