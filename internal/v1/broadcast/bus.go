// Package broadcast implements the bounded fan-out primitive rooms publish
// their events on. Publishing never blocks: every subscriber owns an
// independent cursor into a shared ring, and a subscriber that falls a full
// ring behind is skipped forward instead of slowing anyone else down.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 128

// ErrClosed is returned by Next once the bus is closed and every event
// published before the close has been delivered, or when the subscription
// itself has been closed.
var ErrClosed = errors.New("broadcast: closed")

// LagError reports that a subscription fell at least a full ring behind the
// publishers. Its cursor has been moved up to the bus head; the subscription
// stays usable and subsequent calls observe only events published after the
// skip.
type LagError struct {
	// Skipped counts the events this subscriber will never see.
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("broadcast: subscription lagged, skipped %d events", e.Skipped)
}

// Bus is a bounded multi-producer multi-consumer broadcast ring. Subscribers
// observe events in publish order; once the ring is full a publish overwrites
// the oldest slot, so slow subscribers lose events instead of applying
// backpressure to publishers or to each other.
//
// The zero value is not usable; construct with New.
type Bus[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   uint64        // next sequence number to assign
	notify chan struct{} // closed and replaced on every wake
	subs   int
	closed bool
}

// New returns a bus whose ring holds at most capacity events. Non-positive
// capacities fall back to DefaultCapacity.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		ring:   make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends v and wakes every blocked subscriber. It never blocks and
// never fails; on a closed bus it is a no-op.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.head%uint64(len(b.ring))] = v
	b.head++
	b.wakeLocked()
}

// Subscribe registers a new subscriber positioned at the current head.
// Events published before Subscribe are not replayed.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs++
	return &Subscription[T]{bus: b, cursor: b.head}
}

// Subscribers reports how many subscriptions are currently open.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Capacity reports the ring size.
func (b *Bus[T]) Capacity() int {
	return len(b.ring)
}

// Close shuts the bus down and wakes every blocked subscriber. Subscribers
// still drain whatever was published before the close and then receive
// ErrClosed. Closing twice is harmless.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.wakeLocked()
}

// wakeLocked releases every reader parked on the notify channel. The caller
// holds b.mu.
func (b *Bus[T]) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Subscription is one subscriber's cursor into a Bus. Next is meant to be
// driven by a single consumer goroutine; Close may be called from anywhere,
// including while another goroutine is blocked in Next.
type Subscription[T any] struct {
	bus    *Bus[T]
	cursor uint64 // next sequence to deliver, guarded by bus.mu
	closed bool   // guarded by bus.mu
}

// Next blocks until an event is available and returns it. It returns a
// *LagError when the subscriber fell at least a full ring behind (the cursor
// is then at the head and the subscription remains usable), ErrClosed when
// the bus is closed and drained or the subscription was closed, and ctx.Err()
// when the context ends first.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	b := s.bus
	capacity := uint64(len(b.ring))
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		lag := b.head - s.cursor
		if lag >= capacity {
			s.cursor = b.head
			b.mu.Unlock()
			return zero, &LagError{Skipped: lag}
		}
		if lag > 0 {
			// lag < capacity, so the slot at cursor has not been overwritten.
			v := b.ring[s.cursor%capacity]
			s.cursor++
			b.mu.Unlock()
			return v, nil
		}
		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		notify := b.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close releases the subscription. It is idempotent; a Next blocked on the
// subscription returns ErrClosed.
func (s *Subscription[T]) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	b.subs--
	b.wakeLocked()
}
