// Package observer provides the subscription registry used by every component
// that fans events out to handlers.
package observer

import (
	"sync"
)

// Subscription is returned by every registration. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

// Unsubscribe implements Subscription.
func (f SubscriptionFunc) Unsubscribe() { f() }

// PanicHandler receives the recovered value of a handler that panicked.
type PanicHandler func(recovered any)

// Registry holds handlers in registration order. Removal is O(1) amortized:
// entries are tombstoned and the order slice is compacted once tombstones
// outnumber live handlers.
type Registry[T any] struct {
	mu       sync.Mutex
	next     uint64
	order    []uint64
	handlers map[uint64]func(T)
	onPanic  PanicHandler
}

// NewRegistry creates an empty registry. onPanic may be nil.
func NewRegistry[T any](onPanic PanicHandler) *Registry[T] {
	return &Registry[T]{
		handlers: make(map[uint64]func(T)),
		onPanic:  onPanic,
	}
}

// Add registers fn and returns its subscription.
func (r *Registry[T]) Add(fn func(T)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	r.handlers[id] = fn
	r.order = append(r.order, id)

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() { r.remove(id) })
	})
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[id]; !ok {
		return
	}
	delete(r.handlers, id)

	if len(r.order) > 2*len(r.handlers) {
		live := r.order[:0]
		for _, v := range r.order {
			if _, ok := r.handlers[v]; ok {
				live = append(live, v)
			}
		}
		r.order = live
	}
}

// Len returns the number of live handlers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Notify invokes every handler with v in registration order. Handlers run
// outside the registry lock, so they may subscribe or unsubscribe. A panicking
// handler is reported to the panic handler and does not stop delivery to the
// others. Notify returns the number of handlers that panicked.
func (r *Registry[T]) Notify(v T) int {
	r.mu.Lock()
	fns := make([]func(T), 0, len(r.handlers))
	for _, id := range r.order {
		if fn, ok := r.handlers[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	panics := 0
	for _, fn := range fns {
		if !r.invoke(fn, v) {
			panics++
		}
	}
	return panics
}

func (r *Registry[T]) invoke(fn func(T), v T) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			if r.onPanic != nil {
				r.onPanic(rec)
			}
		}
	}()
	fn(v)
	return true
}
