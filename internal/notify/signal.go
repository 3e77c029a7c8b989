// Package notify provides a small observable used for every callback
// subscription in the engine.
package notify

import "sync"

// ID identifies one subscription on a Signal. The zero ID is never issued.
type ID uint64

type subscriber[T any] struct {
	id ID
	fn func(T)
}

// Signal fans a value out to its current subscribers.
//
// Delivery is synchronous on the notifying goroutine and works on a snapshot
// of the subscriber list, so handlers may subscribe or unsubscribe (themselves
// or others) while a notification is in flight. Everyone subscribed when
// Notify starts is called exactly once for that notification.
type Signal[T any] struct {
	mu     sync.Mutex
	nextID ID
	subs   []subscriber[T]
}

// Subscribe registers fn and returns the handle needed to remove it.
func (s *Signal[T]) Subscribe(fn func(T)) ID {
	if fn == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.subs = append(s.subs, subscriber[T]{id: s.nextID, fn: fn})
	return s.nextID
}

// Unsubscribe removes the subscription. Unknown or repeated IDs are ignored.
func (s *Signal[T]) Unsubscribe(id ID) {
	if id == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			// copy-on-write keeps in-flight snapshots intact
			next := make([]subscriber[T], 0, len(s.subs)-1)
			next = append(next, s.subs[:i]...)
			next = append(next, s.subs[i+1:]...)
			s.subs = next
			return
		}
	}
}

// Notify calls every current subscriber with value.
func (s *Signal[T]) Notify(value T) {
	s.mu.Lock()
	snapshot := s.subs
	s.mu.Unlock()

	for _, sub := range snapshot {
		sub.fn(value)
	}
}

// Len reports the number of live subscriptions.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Clear drops every subscription.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}
