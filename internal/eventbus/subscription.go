package eventbus

import (
	"context"
	"errors"
	"sync"

	"runcore/internal/async"
)

// ErrClosed is returned by Next once a subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// Subscription is one observer's ordered view of a session.
type Subscription struct {
	bus       *Bus
	sessionID string

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	closed chan struct{}
	once   sync.Once

	detached   chan struct{}
	detachOnce sync.Once

	pumpOnce sync.Once
	ch       chan Event
}

func newSubscription(b *Bus, sessionID string) *Subscription {
	return &Subscription{
		bus:       b,
		sessionID: sessionID,
		signal:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		detached:  make(chan struct{}),
	}
}

// SessionID returns the observed session.
func (s *Subscription) SessionID() string { return s.sessionID }

// push enqueues ev and returns the resulting queue depth.
func (s *Subscription) push(ev Event) int {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	depth := len(s.queue)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return depth
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return ev, true
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next blocks until an event is available, ctx is done, or the subscription is
// closed. Events queued before a close are still returned.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.pop(); ok {
			return ev, nil
		}
		select {
		case <-s.signal:
		case <-s.closed:
			if ev, ok := s.pop(); ok {
				return ev, nil
			}
			return Event{}, ErrClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// C returns a channel fed from the queue in order. It is closed once the
// session is discarded and the queue drained, or as soon as Close is called.
// A consumer that stops reading must call Close.
func (s *Subscription) C() <-chan Event {
	s.pumpOnce.Do(func() {
		s.ch = make(chan Event)
		async.Go(s.bus.logger, "eventbus.pump", func() {
			defer close(s.ch)
			for {
				ev, err := s.Next(context.Background())
				if err != nil {
					return
				}
				select {
				case s.ch <- ev:
				case <-s.detached:
					return
				}
			}
		})
	})
	return s.ch
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.closed }

// Close detaches the subscription from the bus and drops anything still
// queued. It is idempotent.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.detachOnce.Do(func() { close(s.detached) })
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.closed) })
}
