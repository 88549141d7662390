// Package room implements the chat room registry: named rooms with a roster
// of joined users, a broadcast bus per room, and the capability handles
// sessions hold while joined.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/v1/broadcast"
	"github.com/parleychat/parley/internal/v1/comms"
	"github.com/parleychat/parley/internal/v1/config"
	"github.com/parleychat/parley/internal/v1/metrics"
)

// MaxMessageBytes is the largest chat message a room accepts.
const MaxMessageBytes = 1024

var (
	// ErrUnknownRoom is returned when joining a room that was not seeded at
	// boot.
	ErrUnknownRoom = errors.New("room: unknown room")

	// ErrUserNameTaken is returned when the user name is already present in
	// the room's roster.
	ErrUserNameTaken = errors.New("room: user name already taken")

	// ErrNotAMember is returned for operations through a handle that is no
	// longer (or never was) the live roster entry for its user.
	ErrNotAMember = errors.New("room: not a member")

	// ErrInvalidMessage is returned for empty or oversized chat messages.
	ErrInvalidMessage = errors.New("room: invalid message")
)

// Room is one named chat room: a roster of joined users and the broadcast
// bus their events fan out on. Rooms are created by the Manager at boot and
// live for the whole process.
type Room struct {
	name        RoomNameType
	description string

	mu      sync.Mutex
	bus     *broadcast.Bus[comms.Event]
	roster  map[UserNameType]*UserSessionHandle
	joinSeq uint64
}

func newRoom(meta config.RoomMetadata, busCapacity int) *Room {
	return &Room{
		name:        RoomNameType(meta.Name),
		description: meta.Description,
		bus:         broadcast.New[comms.Event](busCapacity),
		roster:      make(map[UserNameType]*UserSessionHandle),
	}
}

// Name returns the room's unique name.
func (r *Room) Name() RoomNameType {
	return r.name
}

// Description returns the room's seed-file description.
func (r *Room) Description() string {
	return r.description
}

// Members returns a sorted snapshot of the user names currently joined.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberNamesLocked()
}

// Subscribers reports how many bus subscriptions are currently held against
// this room. It can briefly exceed the roster size while joins and leaves
// are in flight.
func (r *Room) Subscribers() int {
	return r.bus.Subscribers()
}

// join inserts the user into the roster, announces them on the bus and only
// then subscribes, so the joiner's own subscription never observes its own
// join event. Callers receive the subscription, the capability handle, and a
// roster snapshot taken in the same critical section.
func (r *Room) join(user UserNameType) (*broadcast.Subscription[comms.Event], *UserSessionHandle, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.roster[user]; taken {
		return nil, nil, nil, ErrUserNameTaken
	}

	r.joinSeq++
	handle := &UserSessionHandle{
		room:    r,
		user:    user,
		joinSeq: r.joinSeq,
	}
	r.roster[user] = handle

	r.publishLocked(comms.UserJoinedEvent{
		Room:     string(r.name),
		Username: string(user),
	})
	sub := r.bus.Subscribe()

	metrics.RoomMembers.WithLabelValues(string(r.name)).Set(float64(len(r.roster)))

	return sub, handle, r.memberNamesLocked(), nil
}

// leave removes the handle's user from the roster and announces the
// departure. The handle must be the live roster entry: a stale handle (for
// example one that already left) fails with ErrNotAMember and publishes
// nothing, so UserLeft is emitted exactly once per join.
func (r *Room) leave(h *UserSessionHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.roster[h.user]; !ok || current != h {
		return ErrNotAMember
	}
	delete(r.roster, h.user)

	r.publishLocked(comms.UserLeftEvent{
		Room:     string(r.name),
		Username: string(h.user),
	})

	if len(r.roster) > 0 {
		metrics.RoomMembers.WithLabelValues(string(r.name)).Set(float64(len(r.roster)))
	} else {
		metrics.RoomMembers.DeleteLabelValues(string(r.name))
	}
	return nil
}

// publishMessage validates the content and the handle, then broadcasts the
// message stamped with the current time.
func (r *Room) publishMessage(h *UserSessionHandle, content string) error {
	if content == "" || len(content) > MaxMessageBytes {
		return ErrInvalidMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.roster[h.user]; !ok || current != h {
		return ErrNotAMember
	}

	r.publishLocked(comms.UserMessageEvent{
		Room:      string(r.name),
		Username:  string(h.user),
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// publishLocked puts an event on the bus and counts it. Caller holds r.mu.
func (r *Room) publishLocked(ev comms.Event) {
	r.bus.Publish(ev)
	metrics.EventsPublished.WithLabelValues(string(r.name), string(ev.EventType())).Inc()
}

// memberNamesLocked snapshots the roster sorted for deterministic listings.
// Caller holds r.mu.
func (r *Room) memberNamesLocked() []string {
	users := make([]string, 0, len(r.roster))
	for user := range r.roster {
		users = append(users, string(user))
	}
	sort.Strings(users)
	return users
}
