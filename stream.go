package meetspot

import "sync"

// eventStream fans values out to subscribers without ever blocking the
// publisher.
type eventStream[T any] struct {
	mu      sync.Mutex
	clients map[chan T]struct{}
	closed  bool
}

func newEventStream[T any]() *eventStream[T] {
	return &eventStream[T]{clients: make(map[chan T]struct{})}
}

func (s *eventStream[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 16)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.clients[ch] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		if _, ok := s.clients[ch]; ok {
			delete(s.clients, ch)
			close(ch)
		}
		s.mu.Unlock()
	}

	return ch, unsubscribe
}

func (s *eventStream[T]) Publish(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.clients {
		select {
		case ch <- value:
		default:
			// Drop when a subscriber is lagging to keep publishing non-blocking.
		}
	}
}

// Close ends every subscription. Later subscribers get a closed channel.
func (s *eventStream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.clients {
		delete(s.clients, ch)
		close(ch)
	}
}
