package comms

import (
	"encoding/json"
	"fmt"
)

// EventType tags the outbound event variants on the wire.
type EventType string

const (
	EventTypeLoginSuccessful   EventType = "login_successful"
	EventTypeRoomParticipation EventType = "room_participation"
	EventTypeUserJoined        EventType = "user_joined"
	EventTypeUserLeft          EventType = "user_left"
	EventTypeUserMessage       EventType = "user_message"
	EventTypeError             EventType = "error"
)

// ErrorKind names the client-visible error categories. Every per-command
// failure maps onto one of these; none of them end the session.
type ErrorKind string

const (
	ErrorKindUnknownRoom    ErrorKind = "unknown_room"
	ErrorKindUserNameTaken  ErrorKind = "username_taken"
	ErrorKindNotInRoom      ErrorKind = "not_in_room"
	ErrorKindInvalidCommand ErrorKind = "invalid_command"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
)

// Event is a single server-to-client message. Events may originate from any
// room the session participates in; the recipient is always one session.
type Event interface {
	EventType() EventType
}

// RoomDetail describes one room in a participation snapshot: its seed
// metadata plus the usernames currently joined.
type RoomDetail struct {
	Name        string   `json:"n"`
	Description string   `json:"d"`
	Users       []string `json:"us"`
}

// LoginSuccessfulEvent acknowledges the username claim and reports the
// server-assigned session ID.
type LoginSuccessfulEvent struct {
	SessionID string
	Username  string
}

// RoomParticipationEvent is the login greeting: a snapshot of every room the
// server offers and who is currently in each.
type RoomParticipationEvent struct {
	Rooms []RoomDetail
}

// UserJoinedEvent announces that a user entered a room. When echoed to the
// joiner as the join acknowledgment, Users carries the roster as of the
// join; on the broadcast to everyone else it is empty.
type UserJoinedEvent struct {
	Room     string
	Username string
	Users    []string
}

// UserLeftEvent announces that a user left a room.
type UserLeftEvent struct {
	Room     string
	Username string
}

// UserMessageEvent carries one chat message. Timestamp is unix milliseconds
// assigned at publish time.
type UserMessageEvent struct {
	Room      string
	Username  string
	Content   string
	Timestamp int64
}

// ErrorEvent reports a per-command failure back to the client. Room is empty
// when the error is not tied to a specific room.
type ErrorEvent struct {
	Kind    ErrorKind
	Room    string
	Message string
}

func (LoginSuccessfulEvent) EventType() EventType   { return EventTypeLoginSuccessful }
func (RoomParticipationEvent) EventType() EventType { return EventTypeRoomParticipation }
func (UserJoinedEvent) EventType() EventType        { return EventTypeUserJoined }
func (UserLeftEvent) EventType() EventType          { return EventTypeUserLeft }
func (UserMessageEvent) EventType() EventType       { return EventTypeUserMessage }
func (ErrorEvent) EventType() EventType             { return EventTypeError }

// eventEnvelope is the flattened wire form shared by every event variant.
type eventEnvelope struct {
	Type      EventType    `json:"_et"`
	SessionID string       `json:"s,omitempty"`
	Username  string       `json:"u,omitempty"`
	Room      string       `json:"r,omitempty"`
	Content   string       `json:"c,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
	Users     []string     `json:"us,omitempty"`
	Rooms     []RoomDetail `json:"rs,omitempty"`
	Kind      ErrorKind    `json:"k,omitempty"`
	Message   string       `json:"m,omitempty"`
}

// EncodeEvent serializes an event to its single-line JSON form, without the
// trailing newline.
func EncodeEvent(ev Event) ([]byte, error) {
	env := eventEnvelope{Type: ev.EventType()}

	switch e := ev.(type) {
	case LoginSuccessfulEvent:
		env.SessionID = e.SessionID
		env.Username = e.Username
	case RoomParticipationEvent:
		env.Rooms = e.Rooms
	case UserJoinedEvent:
		env.Room = e.Room
		env.Username = e.Username
		env.Users = e.Users
	case UserLeftEvent:
		env.Room = e.Room
		env.Username = e.Username
	case UserMessageEvent:
		env.Room = e.Room
		env.Username = e.Username
		env.Content = e.Content
		env.Timestamp = e.Timestamp
	case ErrorEvent:
		env.Kind = e.Kind
		env.Room = e.Room
		env.Message = e.Message
	default:
		return nil, fmt.Errorf("unsupported event type %q", ev.EventType())
	}

	return json.Marshal(env)
}

// DecodeEvent parses a single line into its event variant.
func DecodeEvent(line []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}

	switch env.Type {
	case EventTypeLoginSuccessful:
		return LoginSuccessfulEvent{SessionID: env.SessionID, Username: env.Username}, nil
	case EventTypeRoomParticipation:
		return RoomParticipationEvent{Rooms: env.Rooms}, nil
	case EventTypeUserJoined:
		return UserJoinedEvent{Room: env.Room, Username: env.Username, Users: env.Users}, nil
	case EventTypeUserLeft:
		return UserLeftEvent{Room: env.Room, Username: env.Username}, nil
	case EventTypeUserMessage:
		return UserMessageEvent{Room: env.Room, Username: env.Username, Content: env.Content, Timestamp: env.Timestamp}, nil
	case EventTypeError:
		return ErrorEvent{Kind: env.Kind, Room: env.Room, Message: env.Message}, nil
	default:
		return nil, &DecodeError{Line: string(line), Err: fmt.Errorf("unknown event tag %q", env.Type)}
	}
}
