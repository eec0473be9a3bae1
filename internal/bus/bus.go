// Package bus fans values out to independent subscribers without ever
// blocking the publisher.
//
// Two kinds of subscriber exist. Consumers (Subscribe) read an ordered stream
// from their own buffered channel; when it is full the incoming value is
// dropped, so a consumer sees every value it keeps in publish order. The
// detector loops consume poses this way. Watchers (Watch) only care about the
// current value; each publish replaces the previous one. Session snapshot
// observers watch this way.
package bus

import (
	"sync"
	"sync/atomic"
)

// Bus distributes values of type T. The zero value is not usable; call New.
type Bus[T any] struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber[T]
	published atomic.Uint64
	closed    bool
}

type subscriber[T any] struct {
	ch     chan<- T   // consumer stream
	latest *Latest[T] // watcher slot

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// offer hands v to the subscriber without blocking.
func (s *subscriber[T]) offer(v T) {
	if s.latest != nil {
		if s.latest.set(v) {
			s.delivered.Add(1)
		}
		return
	}
	select {
	case s.ch <- v:
		s.delivered.Add(1)
	default:
		s.dropped.Add(1)
	}
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string]*subscriber[T])}
}

// Subscribe registers an ordered consumer. The bus never closes ch.
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(id, &subscriber[T]{ch: ch})
}

// Watch registers a watcher and returns its latest-value slot.
func (b *Bus[T]) Watch(id string) (*Latest[T], error) {
	l := newLatest[T]()
	if err := b.add(id, &subscriber[T]{latest: l}); err != nil {
		return nil, err
	}
	return l, nil
}

func (b *Bus[T]) add(id string, s *subscriber[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, dup := b.subs[id]; dup {
		return ErrDuplicateID
	}
	b.subs[id] = s
	return nil
}

// Publish offers v to every subscriber. Never blocks; a no-op once closed.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		s.offer(v)
	}
}

// Remove unregisters a subscriber. A watcher's slot is closed; a consumer's
// channel is left to its owner.
func (b *Bus[T]) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[id]
	if !ok {
		return ErrUnknownID
	}
	if s.latest != nil {
		s.latest.Close()
	}
	delete(b.subs, id)
	return nil
}

// Stats returns a snapshot of the counters of the current subscribers.
func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, s := range b.subs {
		ss := SubscriberStats{Delivered: s.delivered.Load(), Dropped: s.dropped.Load()}
		st.Subscribers[id] = ss
		st.Delivered += ss.Delivered
		st.Dropped += ss.Dropped
	}
	return st
}

// Close stops publishing and closes every watcher slot. Idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subs = nil
}
