// Package pubsub holds the handler sets used to fan events out to listeners.
// Every registration returns a Subscription so that listeners can be removed
// deterministically when their owner is torn down.
package pubsub

import (
	"sort"
	"sync"
)

// Subscription removes a registered handler. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps cancel so that it runs at most once.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe removes the handler. Calling it on a nil Subscription is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Set is a concurrency-safe set of handlers for events of type T.
type Set[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]func(T)
}

// NewSet creates an empty handler set.
func NewSet[T any]() *Set[T] {
	return &Set[T]{handlers: make(map[uint64]func(T))}
}

// Add registers h and returns the subscription that removes it.
func (s *Set[T]) Add(h func(T)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = h
	return NewSubscription(func() { s.remove(id) })
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

// Len returns the number of registered handlers.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Handlers returns the registered handlers in registration order. The slice
// is a copy, so callers may invoke handlers without holding the set's lock.
func (s *Set[T]) Handlers() []func(T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.handlers[id])
	}
	return out
}

// Publish invokes every handler with v. A panicking handler does not stop
// the remaining handlers; onPanic, when non-nil, receives the recovered value.
func (s *Set[T]) Publish(v T, onPanic func(any)) {
	for _, h := range s.Handlers() {
		invoke(h, v, onPanic)
	}
}

func invoke[T any](h func(T), v T, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	h(v)
}
