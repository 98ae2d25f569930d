package async

import (
	"context"
	"sync"
)

// Scope owns a set of goroutines sharing one cancellation. Closing the scope
// cancels its context and waits for every goroutine started through Go.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

func (s *Scope) Context() context.Context { return s.ctx }

// Go runs fn in the scope. It reports false when the scope is already closed.
func (s *Scope) Go(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

// Cancel stops the scope without waiting.
func (s *Scope) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// Close cancels and waits for in-flight work.
func (s *Scope) Close() {
	s.Cancel()
	s.wg.Wait()
}

// Wait blocks until every goroutine has returned without cancelling.
func (s *Scope) Wait() {
	s.wg.Wait()
}
