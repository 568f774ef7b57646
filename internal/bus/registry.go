package bus

import "sync"

// Registry is a synchronous listener registry. Unlike Bus it never drops:
// Emit calls every listener on the caller's goroutine, in registration
// order, before returning.
type Registry[T any] struct {
	mu        sync.Mutex
	listeners []entry[T]
	next      int
}

type entry[T any] struct {
	id int
	fn func(T)
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Add registers fn and returns a disposer that removes it. Calling the
// disposer more than once is a no-op.
func (r *Registry[T]) Add(fn func(T)) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.listeners {
			if e.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers v to a snapshot of the current listeners. Listeners added
// or removed during Emit take effect on the next call.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	snapshot := make([]func(T), len(r.listeners))
	for i, e := range r.listeners {
		snapshot[i] = e.fn
	}
	r.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
