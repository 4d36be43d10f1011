package adapter

import (
	"context"
	"sync"
)

// Sessions tracks the in-flight watches of one adapter instance. Each watch
// gets its own cancellation token; Stop cancels all of them with the given
// reason and marks the adapter stopped.
type Sessions struct {
	mu      sync.Mutex
	stopped bool
	next    uint64
	cancels map[uint64]context.CancelCauseFunc
}

// Begin derives a cancellable context for one watch. The returned end
// function must be called when the watch returns; calling it after Stop is
// harmless.
func (s *Sessions) Begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	if s.cancels == nil {
		s.cancels = make(map[uint64]context.CancelCauseFunc)
	}
	id := s.next
	s.next++
	s.cancels[id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel(nil)
	}
}

// Stop cancels every active watch with reason and marks the sessions
// stopped. A nil reason becomes ErrCancelled.
func (s *Sessions) Stop(reason error) {
	if reason == nil {
		reason = ErrCancelled
	}

	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.stopped = true
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel(reason)
	}
}

// Stopped reports whether Stop has been called.
func (s *Sessions) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Active returns the number of in-flight watches.
func (s *Sessions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}
