package room

import (
	"errors"
	"fmt"

	"github.com/parleychat/parley/internal/v1/broadcast"
	"github.com/parleychat/parley/internal/v1/comms"
	"github.com/parleychat/parley/internal/v1/config"
)

// Join is everything a session gets back from joining a room: the bus
// subscription, the capability handle, and a roster snapshot (joiner
// included) taken atomically with the join.
type Join struct {
	Subscription *broadcast.Subscription[comms.Event]
	Handle       *UserSessionHandle
	Users        []string
}

// RoomInfo is a point-in-time view of one room for the login greeting.
type RoomInfo struct {
	Name        string
	Description string
	Users       []string
}

// Manager owns the process-wide room set. The set is seeded once at boot and
// immutable afterwards: lookups never lock, and join/leave on different
// rooms proceed in parallel because only the target room's mutex is taken.
type Manager struct {
	rooms map[RoomNameType]*Room
	metas []config.RoomMetadata
}

// NewManager seeds the room set from the boot metadata. busCapacity sizes
// each room's broadcast ring; non-positive values fall back to
// broadcast.DefaultCapacity.
func NewManager(metas []config.RoomMetadata, busCapacity int) (*Manager, error) {
	if len(metas) == 0 {
		return nil, errors.New("room: at least one room is required")
	}

	rooms := make(map[RoomNameType]*Room, len(metas))
	for _, meta := range metas {
		if meta.Name == "" {
			return nil, errors.New("room: room name must not be empty")
		}
		name := RoomNameType(meta.Name)
		if _, dup := rooms[name]; dup {
			return nil, fmt.Errorf("room: room %q declared twice", meta.Name)
		}
		rooms[name] = newRoom(meta, busCapacity)
	}

	return &Manager{
		rooms: rooms,
		metas: append([]config.RoomMetadata(nil), metas...),
	}, nil
}

// Join adds the user to the named room. It fails with ErrUnknownRoom or
// ErrUserNameTaken; on success either the user is in the roster with a
// subscription positioned strictly before any event they will observe, or
// nothing happened at all.
func (m *Manager) Join(roomName RoomNameType, user UserNameType) (*Join, error) {
	r, ok := m.rooms[roomName]
	if !ok {
		return nil, ErrUnknownRoom
	}

	sub, handle, users, err := r.join(user)
	if err != nil {
		return nil, err
	}
	return &Join{Subscription: sub, Handle: handle, Users: users}, nil
}

// Leave returns the handle to its room, emitting UserLeft exactly once.
// Stale or foreign handles fail with ErrNotAMember and emit nothing.
func (m *Manager) Leave(handle *UserSessionHandle) error {
	if handle == nil {
		return ErrNotAMember
	}
	return handle.room.leave(handle)
}

// Rooms snapshots every room in seed order for the login greeting.
func (m *Manager) Rooms() []RoomInfo {
	infos := make([]RoomInfo, 0, len(m.metas))
	for _, meta := range m.metas {
		r := m.rooms[RoomNameType(meta.Name)]
		infos = append(infos, RoomInfo{
			Name:        meta.Name,
			Description: meta.Description,
			Users:       r.Members(),
		})
	}
	return infos
}

// Room returns the named room, or nil when it does not exist.
func (m *Manager) Room(name RoomNameType) *Room {
	return m.rooms[name]
}

// Close shuts down every room's bus. Sessions still draining a subscription
// observe the remaining backlog and then broadcast.ErrClosed.
func (m *Manager) Close() {
	for _, r := range m.rooms {
		r.bus.Close()
	}
}
