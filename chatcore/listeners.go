package chatcore

import "sync"

// listeners is a registry of typed callbacks. Callbacks run outside the
// registry lock, in registration order.
type listeners[T any] struct {
	mu    sync.Mutex
	next  int
	items []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a func that unregisters it.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.items = append(l.items, listenerEntry[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, it := range l.items {
			if it.id == id {
				l.items = append(l.items[:i:i], l.items[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.items))
	for i, it := range l.items {
		fns[i] = it.fn
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
