// Package notify provides an ordered, non-blocking publish/subscribe
// primitive.
//
// Publishing never waits on subscribers: every [Subscription] owns an
// unbounded queue drained into its channel by a pump goroutine, so a slow
// consumer delays only itself. Values reach each subscriber in publish order.
package notify

import "sync"

// Publisher fans values out to its current subscribers.
// The zero value is not usable; create one with [NewPublisher].
type Publisher[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewPublisher returns an open publisher with no subscribers.
func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber. It receives only values published
// after this call. Subscribing to a closed publisher returns a subscription
// whose channel is already closed.
func (p *Publisher[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		pub:    p,
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		s.ended = true
	} else {
		p.subs[s] = struct{}{}
	}
	p.mu.Unlock()

	go s.pump()

	return s
}

// Publish enqueues v for every current subscriber. It does not block.
func (p *Publisher[T]) Publish(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for s := range p.subs {
		s.push(v)
	}
}

// Subscribers returns the number of live subscriptions.
func (p *Publisher[T]) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.subs)
}

// Close ends every subscription after its queued values are delivered.
// Later Publish calls are dropped. Safe to call more than once.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true

	for s := range p.subs {
		s.end()
	}

	p.subs = nil
}

func (p *Publisher[T]) remove(s *Subscription[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.subs, s)
}

// Subscription is one subscriber's view of a [Publisher].
type Subscription[T any] struct {
	pub *Publisher[T]

	mu    sync.Mutex
	queue []T
	ended bool

	signal chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

// C returns the channel values are delivered on. It is closed once the
// subscription is closed, or the publisher is closed and the queue drained.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Close stops delivery and discards queued values. Safe to call more than
// once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.pub.remove(s)
		close(s.done)
	})
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription[T]) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()

		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()

			if ended {
				return
			}

			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		var zero T

		next := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
