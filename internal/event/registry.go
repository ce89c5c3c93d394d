// Package event provides a small observer registry. Subscribers are keyed by
// an opaque handle so callers can unsubscribe without comparing funcs.
package event

import (
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one subscription.
type Handle string

// Registry dispatches values of type T to subscribed callbacks.
type Registry[T any] struct {
	mu        sync.RWMutex
	listeners map[Handle]func(T)
	order     []Handle
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{listeners: make(map[Handle]func(T))}
}

// Subscribe registers fn and returns its handle. A nil fn is ignored and
// yields an empty handle.
func (r *Registry[T]) Subscribe(fn func(T)) Handle {
	if fn == nil {
		return ""
	}
	h := Handle(uuid.NewString())
	r.mu.Lock()
	r.listeners[h] = fn
	r.order = append(r.order, h)
	r.mu.Unlock()
	return h
}

// Unsubscribe removes the subscription. Unknown handles are ignored.
func (r *Registry[T]) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[h]; !ok {
		return false
	}
	delete(r.listeners, h)
	for i, o := range r.order {
		if o == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Emit calls every subscriber with v in subscription order. Listeners are
// copied under the lock and invoked outside it, so a callback may
// unsubscribe itself.
func (r *Registry[T]) Emit(v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.order))
	for _, h := range r.order {
		fns = append(fns, r.listeners[h])
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
