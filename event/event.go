// Package event provides the observer plumbing shared by the capture,
// playback, call and turn components.
package event

import "sync"

// Emitter fans a value out to its subscribers. Handlers run on the
// emitting goroutine in subscription order.
type Emitter[T any] struct {
	mu       sync.Mutex
	next     int
	handlers []subscription[T]
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	id := e.next
	e.handlers = append(e.handlers, subscription[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every current subscriber with v. The lock is not held
// while handlers run, so a handler may subscribe or unsubscribe.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	handlers := make([]subscription[T], len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, h := range handlers {
		h.fn(v)
	}
}

// Len reports the number of subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}
