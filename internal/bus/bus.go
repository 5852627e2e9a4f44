// Package bus provides the process-wide publish/subscribe channel connecting
// every component. Each subscriber owns a bounded buffer; publishing never
// blocks. A subscriber that falls behind loses its oldest pending events and
// receives an event.Lagged notice before the next delivery.
package bus

import (
	"sync"

	"github.com/nlbx/chromactl/internal/event"
)

// DefaultBuffer is the per-subscriber buffer capacity used by New.
const DefaultBuffer = 64

// Bus fans out events to all active subscribers. It is safe for concurrent
// use.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	size int
}

// New creates a Bus with the default per-subscriber buffer.
func New() *Bus {
	return NewSized(DefaultBuffer)
}

// NewSized creates a Bus whose subscribers buffer up to size events.
func NewSized(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		size: size,
	}
}

// Subscribe registers a new subscriber. The caller must drain Events() and
// call Close when done.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:  b,
		size: b.size,
		wake: make(chan struct{}, 1),
		out:  make(chan event.Event),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()
	return s
}

// Publish delivers ev to every subscriber in publish order. It never blocks
// on a slow consumer.
func (b *Bus) Publish(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.offer(ev)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus  *Bus
	size int

	mu     sync.Mutex
	queue  []event.Event
	missed uint64

	wake chan struct{}
	out  chan event.Event
	done chan struct{}
	once sync.Once
}

// Events returns the delivery channel. It is usable in a select; it is not
// closed by Close, termination is signalled by event.Exit.
func (s *Subscription) Events() <-chan event.Event {
	return s.out
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// offer appends ev to the buffer, dropping the oldest pending event when the
// buffer is full. Called with the bus lock held, so publishes stay ordered.
func (s *Subscription) offer(ev event.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.size {
		s.queue = s.queue[1:]
		s.missed++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves buffered events to the delivery channel, emitting a Lagged
// notice ahead of the next event whenever drops occurred.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		var ev event.Event
		switch {
		case s.missed > 0:
			ev = event.Lagged{Missed: s.missed}
			s.missed = 0
		case len(s.queue) > 0:
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if ev == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
