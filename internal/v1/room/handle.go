package room

// UserSessionHandle is the capability a session holds while joined to a
// room. It is created by Manager.Join, consumed by Manager.Leave, and is the
// only way to publish messages into the room. Handles cannot be constructed
// outside this package and must not be shared between sessions.
type UserSessionHandle struct {
	room    *Room
	user    UserNameType
	joinSeq uint64
}

// Room returns the name of the room this handle belongs to.
func (h *UserSessionHandle) Room() RoomNameType {
	return h.room.name
}

// User returns the user name this handle publishes as.
func (h *UserSessionHandle) User() UserNameType {
	return h.user
}

// SendMessage publishes a chat message to the room on behalf of this
// handle's user. It fails with ErrInvalidMessage for empty or oversized
// content and with ErrNotAMember once the handle has been returned.
func (h *UserSessionHandle) SendMessage(content string) error {
	return h.room.publishMessage(h, content)
}
