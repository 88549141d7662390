package session

import (
	"context"
	"errors"
	"sync"

	"github.com/parleychat/parley/internal/v1/broadcast"
	"github.com/parleychat/parley/internal/v1/comms"
	"github.com/parleychat/parley/internal/v1/room"
)

// DefaultBuffer is the merged-stream queue length used when a session is
// configured with a non-positive buffer.
const DefaultBuffer = 100

// Item is one entry in a session's merged outbound stream: an event from one
// of its rooms, or a lag notice when that room's subscription was skipped
// forward. Epoch identifies the membership episode the item belongs to, so a
// consumer can discard entries queued before a leave.
type Item struct {
	Room    room.RoomNameType
	Epoch   uint64
	Event   comms.Event
	Skipped uint64
}

// forwarder pumps one room subscription into the shared output queue.
type forwarder struct {
	epoch  uint64
	sub    *broadcast.Subscription[comms.Event]
	cancel context.CancelFunc
	done   chan struct{}
}

// Merger multiplexes a session's room subscriptions into a single bounded
// stream. One goroutine per room forwards that room's events, preserving
// per-room publish order; all forwarders feed the same channel, so no room
// can starve another for long. Add, Remove and Close may be called from the
// session goroutine at any time.
type Merger struct {
	out chan Item

	mu         sync.Mutex
	forwarders map[room.RoomNameType]*forwarder
	epochs     uint64
	closed     bool
}

// NewMerger returns a merger whose output queue holds up to buffer items.
// When the queue is full, forwarders block, the bus cursors behind them
// stall, and the lag policy of the bus takes over; the merger itself never
// drops anything.
func NewMerger(buffer int) *Merger {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Merger{
		out:        make(chan Item, buffer),
		forwarders: make(map[room.RoomNameType]*forwarder),
	}
}

// Add begins forwarding sub's events into the merged stream tagged with the
// room name, and returns the epoch for this membership episode. A forwarder
// already registered under the same name is removed first: two live
// forwarders for one room would break per-room ordering.
func (m *Merger) Add(name room.RoomNameType, sub *broadcast.Subscription[comms.Event]) uint64 {
	m.remove(name)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Close()
		return 0
	}
	m.epochs++
	ctx, cancel := context.WithCancel(context.Background())
	f := &forwarder{
		epoch:  m.epochs,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.forwarders[name] = f
	m.mu.Unlock()

	go m.forward(ctx, name, f)
	return f.epoch
}

// Remove stops forwarding the named room and releases its subscription. It
// returns only after the forwarder has exited: once Remove returns, nothing
// more from that room can enter the merged stream. Items already queued keep
// their old epoch. Removing an unknown name is a no-op.
func (m *Merger) Remove(name room.RoomNameType) {
	m.remove(name)
}

// Out is the merged stream. Items carry per-room publish order; interleaving
// across rooms follows delivery timing.
func (m *Merger) Out() <-chan Item {
	return m.out
}

// Close removes every forwarder and releases every subscription. The output
// channel stays open (readers simply stop seeing items), but after Close no
// goroutine feeds it and Add becomes a no-op.
func (m *Merger) Close() {
	m.mu.Lock()
	m.closed = true
	stale := make([]*forwarder, 0, len(m.forwarders))
	for name, f := range m.forwarders {
		delete(m.forwarders, name)
		stale = append(stale, f)
	}
	m.mu.Unlock()

	for _, f := range stale {
		f.cancel()
		<-f.done
		f.sub.Close()
	}
}

func (m *Merger) remove(name room.RoomNameType) {
	m.mu.Lock()
	f, ok := m.forwarders[name]
	if ok {
		delete(m.forwarders, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	f.cancel()
	<-f.done
	f.sub.Close()
}

// forward is the per-room pump. It exits when its context is canceled (leave
// or session close) or when the subscription reports closed; lag signals are
// forwarded as items so the session can apply its policy.
func (m *Merger) forward(ctx context.Context, name room.RoomNameType, f *forwarder) {
	defer close(f.done)

	for {
		ev, err := f.sub.Next(ctx)

		var item Item
		switch {
		case err == nil:
			item = Item{Room: name, Epoch: f.epoch, Event: ev}
		default:
			var lag *broadcast.LagError
			if !errors.As(err, &lag) {
				// Bus closed, subscription closed, or context done.
				return
			}
			item = Item{Room: name, Epoch: f.epoch, Skipped: lag.Skipped}
		}

		select {
		case m.out <- item:
		case <-ctx.Done():
			return
		}
	}
}
