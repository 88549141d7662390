// Package comms defines the wire protocol spoken between the chat server and
// its clients: newline-delimited JSON frames carrying tagged command and
// event variants. Commands flow client -> server, events flow server ->
// client. The package also provides the framing layer for both directions
// (see transport.go and client.go) so that servers, test harnesses, and
// terminal clients all share one codec.
//
// Frames are terminated with CRLF and use short field keys to keep the
// protocol cheap for chatty rooms: r=room, u=user, c=content, s=session,
// n=name, d=description.
package comms

import (
	"encoding/json"
	"fmt"
)

// CommandType tags the inbound command variants on the wire.
type CommandType string

const (
	CommandTypeLogin       CommandType = "login"
	CommandTypeJoinRoom    CommandType = "join_room"
	CommandTypeLeaveRoom   CommandType = "leave_room"
	CommandTypeSendMessage CommandType = "send_message"
	CommandTypeQuit        CommandType = "quit"
)

// Command is a single client instruction. All commands are processed in the
// context of the session that sent them.
type Command interface {
	CommandType() CommandType
}

// LoginCommand claims a username for the session. It must be the first
// command on a fresh connection.
type LoginCommand struct {
	Username string
}

// JoinRoomCommand subscribes the session to a room.
type JoinRoomCommand struct {
	Room string
}

// LeaveRoomCommand unsubscribes the session from a room.
type LeaveRoomCommand struct {
	Room string
}

// SendMessageCommand publishes a message to a room the session has joined.
type SendMessageCommand struct {
	Room    string
	Content string
}

// QuitCommand ends the session gracefully.
type QuitCommand struct{}

func (LoginCommand) CommandType() CommandType       { return CommandTypeLogin }
func (JoinRoomCommand) CommandType() CommandType    { return CommandTypeJoinRoom }
func (LeaveRoomCommand) CommandType() CommandType   { return CommandTypeLeaveRoom }
func (SendMessageCommand) CommandType() CommandType { return CommandTypeSendMessage }
func (QuitCommand) CommandType() CommandType        { return CommandTypeQuit }

// commandEnvelope is the flattened wire form shared by every command variant.
// The `_ct` tag selects the variant; unused keys are omitted.
type commandEnvelope struct {
	Type     CommandType `json:"_ct"`
	Room     string      `json:"r,omitempty"`
	Content  string      `json:"c,omitempty"`
	Username string      `json:"u,omitempty"`
}

// EncodeCommand serializes a command to its single-line JSON form, without
// the trailing newline.
func EncodeCommand(cmd Command) ([]byte, error) {
	env := commandEnvelope{Type: cmd.CommandType()}

	switch c := cmd.(type) {
	case LoginCommand:
		env.Username = c.Username
	case JoinRoomCommand:
		env.Room = c.Room
	case LeaveRoomCommand:
		env.Room = c.Room
	case SendMessageCommand:
		env.Room = c.Room
		env.Content = c.Content
	case QuitCommand:
		// tag only
	default:
		return nil, fmt.Errorf("unsupported command type %q", cmd.CommandType())
	}

	return json.Marshal(env)
}

// DecodeCommand parses a single line into its command variant. Unknown or
// missing tags produce a *DecodeError so callers can distinguish a malformed
// frame from a broken transport.
func DecodeCommand(line []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}

	switch env.Type {
	case CommandTypeLogin:
		return LoginCommand{Username: env.Username}, nil
	case CommandTypeJoinRoom:
		return JoinRoomCommand{Room: env.Room}, nil
	case CommandTypeLeaveRoom:
		return LeaveRoomCommand{Room: env.Room}, nil
	case CommandTypeSendMessage:
		return SendMessageCommand{Room: env.Room, Content: env.Content}, nil
	case CommandTypeQuit:
		return QuitCommand{}, nil
	default:
		return nil, &DecodeError{Line: string(line), Err: fmt.Errorf("unknown command tag %q", env.Type)}
	}
}

// DecodeError reports a frame that parsed as a line but not as a valid
// command or event. It is recoverable: the stream remains usable.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
