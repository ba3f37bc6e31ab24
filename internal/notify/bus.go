// Package notify provides a typed, synchronous publish/subscribe bus.
package notify

import "sync"

// Bus delivers values of type T to every subscriber, in subscription order,
// on the publishing goroutine.
//
// Dispatch is not re-entrant: a Publish issued from inside a handler, or
// concurrently with a running dispatch, is queued and delivered once the
// current dispatch finishes. Handlers therefore never observe nested calls.
type Bus[T any] struct {
	mu          sync.Mutex
	handlers    []subscription[T]
	nextID      int
	queue       []T
	dispatching bool
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.handlers {
		if s.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// Publish delivers v to all subscribers. If a handler panics, values still
// queued are dropped and the panic propagates to the caller; the bus stays
// usable for later publishes.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	b.queue = append(b.queue, v)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.mu.Unlock()

	done := false
	defer func() {
		if done {
			return
		}
		b.mu.Lock()
		b.queue = nil
		b.dispatching = false
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			done = true
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		handlers := make([]subscription[T], len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.Unlock()

		for _, h := range handlers {
			h.fn(next)
		}
	}
}
