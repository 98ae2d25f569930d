// Package observe is the read-only state surface consumed by UIs. Components
// publish immutable snapshots; subscribers receive the latest snapshot on
// subscribe and every later one, latest-wins.
package observe

import "sync"

type Subject[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[int]chan T
	nextID int
	closed bool
}

func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{cur: initial, subs: make(map[int]chan T)}
}

// Publish replaces the current snapshot and fans it out. It never blocks:
// a subscriber that has not consumed the previous value gets it replaced.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cur = v
	for _, ch := range s.subs {
		offerLatest(ch, v)
	}
}

// Snapshot returns the current value.
func (s *Subject[T]) Snapshot() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Subscribe returns a channel primed with the current snapshot and a cancel
// func that closes it.
func (s *Subject[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan T, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.cur
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Close ends every subscription.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// caller holds s.mu, so it is the only sender on ch
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
