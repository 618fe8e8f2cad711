// Package observer provides an ordered set of subscribers with isolated fan-out.
package observer

import (
	"fmt"
	"sync"
)

// Token identifies a subscription.
type Token uint64

type entry[T any] struct {
	token Token
	fn    func(T)
}

// Set holds handlers for one event type. Handlers are invoked in registration
// order and a panicking handler does not stop delivery to the rest.
type Set[T any] struct {
	mu      sync.RWMutex
	next    Token
	entries []entry[T]
	onPanic func(error)
}

// NewSet creates an empty set. onPanic may be nil.
func NewSet[T any](onPanic func(error)) *Set[T] {
	return &Set[T]{onPanic: onPanic}
}

// Add registers fn and returns a function that removes it.
func (s *Set[T]) Add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.next++
	tok := s.next
	s.entries = append(s.entries, entry[T]{token: tok, fn: fn})
	s.mu.Unlock()
	return func() { s.Remove(tok) }
}

// Remove unregisters the handler with the given token.
func (s *Set[T]) Remove(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.token == tok {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Notify delivers v to every handler.
func (s *Set[T]) Notify(v T) {
	s.mu.RLock()
	snapshot := make([]entry[T], len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for _, e := range snapshot {
		s.call(e, v)
	}
}

func (s *Set[T]) call(e entry[T], v T) {
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic(fmt.Errorf("handler %d panicked: %v", e.token, r))
		}
	}()
	e.fn(v)
}
