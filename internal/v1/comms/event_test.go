package comms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertEventWire(t *testing.T, ev Event, expected string) {
	t.Helper()

	data, err := EncodeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, expected, string(data))

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestLoginSuccessfulEventWire(t *testing.T) {
	assertEventWire(t,
		LoginSuccessfulEvent{SessionID: "session-1", Username: "alice"},
		`{"_et":"login_successful","s":"session-1","u":"alice"}`,
	)
}

func TestRoomParticipationEventWire(t *testing.T) {
	assertEventWire(t,
		RoomParticipationEvent{Rooms: []RoomDetail{
			{Name: "general", Description: "anything goes", Users: []string{}},
			{Name: "go", Description: "gophers only", Users: []string{"bob"}},
		}},
		`{"_et":"room_participation","rs":[{"n":"general","d":"anything goes","us":[]},{"n":"go","d":"gophers only","us":["bob"]}]}`,
	)
}

func TestUserJoinedEventWire(t *testing.T) {
	// The join ack echoed to the joiner carries the roster snapshot.
	assertEventWire(t,
		UserJoinedEvent{Room: "general", Username: "alice", Users: []string{"alice"}},
		`{"_et":"user_joined","r":"general","u":"alice","us":["alice"]}`,
	)
}

func TestUserJoinedBroadcastOmitsRoster(t *testing.T) {
	assertEventWire(t,
		UserJoinedEvent{Room: "general", Username: "bob"},
		`{"_et":"user_joined","r":"general","u":"bob"}`,
	)
}

func TestUserLeftEventWire(t *testing.T) {
	assertEventWire(t,
		UserLeftEvent{Room: "general", Username: "alice"},
		`{"_et":"user_left","r":"general","u":"alice"}`,
	)
}

func TestUserMessageEventWire(t *testing.T) {
	assertEventWire(t,
		UserMessageEvent{Room: "general", Username: "alice", Content: "hi", Timestamp: 1724500000000},
		`{"_et":"user_message","r":"general","u":"alice","c":"hi","ts":1724500000000}`,
	)
}

func TestErrorEventWire(t *testing.T) {
	assertEventWire(t,
		ErrorEvent{Kind: ErrorKindUserNameTaken, Room: "general", Message: "username already in use"},
		`{"_et":"error","r":"general","k":"username_taken","m":"username already in use"}`,
	)
}

func TestDecodeEventUnknownTag(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"_et":"telemetry"}`))

	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}
