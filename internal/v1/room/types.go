package room

// --- Core Domain Types ---

// RoomNameType is the unique name of a chat room. The room set is fixed at
// boot.
type RoomNameType string

// UserNameType is a user's chosen name. It is unique within a single room at
// any instant and released when the user leaves.
type UserNameType string

// SessionIdType identifies one client connection for its lifetime.
type SessionIdType string
