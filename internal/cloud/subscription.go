package cloud

import (
	"context"
	"sync"
)

// subscriptionBuffer bounds how many updates may queue before delivery
// blocks the transport.
const subscriptionBuffer = 64

// Subscription is a cancellable stream of remote updates. Updates is
// closed when the stream ends; Err then reports why (nil after Close).
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	updates chan Update
	once    sync.Once
	mu      sync.Mutex
	err     error
	closed  bool
}

func newSubscription(parent context.Context) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{ctx: ctx, cancel: cancel, updates: make(chan Update, subscriptionBuffer)}
}

// Updates returns the delivery channel.
func (s *Subscription) Updates() <-chan Update { return s.updates }

// Err returns the terminating error, a *SyncError, once Updates is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the listener. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) deliver(u Update) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.updates <- u:
	case <-s.ctx.Done():
	}
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		close(s.updates)
	})
}
