package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/v1/comms"
	"github.com/parleychat/parley/internal/v1/config"
	"github.com/parleychat/parley/internal/v1/room"
)

func testMetas() []config.RoomMetadata {
	return []config.RoomMetadata{
		{Name: "general", Description: "Anything goes"},
		{Name: "random", Description: "Off topic"},
	}
}

func newTestManager(t *testing.T, busCapacity int) *room.Manager {
	t.Helper()
	m, err := room.NewManager(testMetas(), busCapacity)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// testClient runs one session over an in-memory pipe and speaks to it through
// the real wire codec. A reader goroutine drains events into a buffered
// channel so the synchronous pipe can never deadlock a test that writes a
// command while the session writes an event.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	cmds   *comms.CommandWriter
	events chan comms.Event
	cancel context.CancelFunc

	done     chan error
	waitOnce sync.Once
	runErr   error
}

func startSession(t *testing.T, manager *room.Manager, id string, cfg Config) *testClient {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	source, sink := comms.SplitServerConn(serverConn, time.Second)
	sess := New(room.SessionIdType(id), manager, source, sink, serverConn, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	stream, cmds := comms.SplitClientConn(clientConn, time.Second)
	events := make(chan comms.Event, 256)
	go func() {
		defer close(events)
		for {
			ev, err := stream.Next()
			if err != nil {
				return
			}
			events <- ev
		}
	}()

	c := &testClient{
		t:      t,
		conn:   clientConn,
		cmds:   cmds,
		events: events,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(c.teardown)
	return c
}

func (c *testClient) teardown() {
	c.cancel()
	_ = c.conn.Close()
	c.wait()
}

// wait blocks until Run returns and memoizes its result.
func (c *testClient) wait() error {
	c.waitOnce.Do(func() {
		select {
		case c.runErr = <-c.done:
		case <-time.After(2 * time.Second):
			c.t.Error("session did not stop")
			c.runErr = fmt.Errorf("session did not stop")
		}
	})
	return c.runErr
}

func (c *testClient) send(cmd comms.Command) {
	c.t.Helper()
	require.NoError(c.t, c.cmds.Write(cmd))
}

func (c *testClient) nextEvent() comms.Event {
	c.t.Helper()
	select {
	case ev, ok := <-c.events:
		if !ok {
			c.t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for an event")
	}
	return nil
}

func (c *testClient) expectNoEvent(wait time.Duration) {
	c.t.Helper()
	select {
	case ev, ok := <-c.events:
		if ok {
			c.t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(wait):
	}
}

// expectClosed drains any straggling events and asserts the server closed the
// stream.
func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("event stream still open")
			return
		}
	}
}

func expectEvent[E comms.Event](c *testClient) E {
	c.t.Helper()
	ev := c.nextEvent()
	typed, ok := ev.(E)
	if !ok {
		c.t.Fatalf("expected %T, got %#v", *new(E), ev)
	}
	return typed
}

// login claims the username and consumes the two-event greeting.
func (c *testClient) login(username string) {
	c.t.Helper()
	c.send(comms.LoginCommand{Username: username})
	ack := expectEvent[comms.LoginSuccessfulEvent](c)
	require.Equal(c.t, username, ack.Username)
	expectEvent[comms.RoomParticipationEvent](c)
}

// join enters the room and returns the echoed acknowledgment.
func (c *testClient) join(roomName string) comms.UserJoinedEvent {
	c.t.Helper()
	c.send(comms.JoinRoomCommand{Room: roomName})
	echo := expectEvent[comms.UserJoinedEvent](c)
	require.Equal(c.t, roomName, echo.Room)
	return echo
}

func TestSessionLoginHandshake(t *testing.T) {
	manager := newTestManager(t, 64)
	c := startSession(t, manager, "sess-1", Config{})

	c.send(comms.LoginCommand{Username: "alice"})

	ack := expectEvent[comms.LoginSuccessfulEvent](c)
	assert.Equal(t, "sess-1", ack.SessionID)
	assert.Equal(t, "alice", ack.Username)

	greeting := expectEvent[comms.RoomParticipationEvent](c)
	require.Len(t, greeting.Rooms, 2)
	assert.Equal(t, "general", greeting.Rooms[0].Name)
	assert.Equal(t, "Anything goes", greeting.Rooms[0].Description)
	assert.Empty(t, greeting.Rooms[0].Users)
	assert.Equal(t, "random", greeting.Rooms[1].Name)
	assert.Equal(t, "Off topic", greeting.Rooms[1].Description)
	assert.Empty(t, greeting.Rooms[1].Users)

	c.send(comms.QuitCommand{})
	assert.NoError(t, c.wait())
	c.expectClosed()
}

func TestSessionUsernameValidation(t *testing.T) {
	tests := []struct {
		name     string
		username string
		want     string
		wantErr  bool
	}{
		{name: "trims surrounding space", username: "  bob  ", want: "bob"},
		{name: "maximum length", username: strings.Repeat("n", MaxUserNameBytes), want: strings.Repeat("n", MaxUserNameBytes)},
		{name: "empty", username: "", wantErr: true},
		{name: "blank", username: "   ", wantErr: true},
		{name: "too long", username: strings.Repeat("n", MaxUserNameBytes+1), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := startSession(t, newTestManager(t, 64), "sess-1", Config{})
			c.send(comms.LoginCommand{Username: tc.username})

			if tc.wantErr {
				errEv := expectEvent[comms.ErrorEvent](c)
				assert.Equal(t, comms.ErrorKindInvalidCommand, errEv.Kind)
				assert.Error(t, c.wait())
				c.expectClosed()
				return
			}

			ack := expectEvent[comms.LoginSuccessfulEvent](c)
			assert.Equal(t, tc.want, ack.Username)
		})
	}
}

func TestSessionFirstCommandMustBeLogin(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})

	c.send(comms.JoinRoomCommand{Room: "general"})

	errEv := expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindInvalidCommand, errEv.Kind)
	assert.Error(t, c.wait())
	c.expectClosed()
}

func TestSessionSecondLoginRejected(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})
	c.login("alice")

	c.send(comms.LoginCommand{Username: "mallory"})
	errEv := expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindInvalidCommand, errEv.Kind)

	// The session stays alive and keeps its original identity.
	echo := c.join("general")
	assert.Equal(t, "alice", echo.Username)
}

func TestJoinAckCarriesRosterSnapshot(t *testing.T) {
	manager := newTestManager(t, 64)

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	echo := alice.join("general")
	assert.Equal(t, "alice", echo.Username)
	assert.Equal(t, []string{"alice"}, echo.Users)

	bob := startSession(t, manager, "sess-b", Config{})
	bob.login("bob")
	echo = bob.join("general")
	assert.Equal(t, "bob", echo.Username)
	assert.Equal(t, []string{"alice", "bob"}, echo.Users)

	// Everyone already present sees the broadcast copy, which carries no
	// roster.
	joined := expectEvent[comms.UserJoinedEvent](alice)
	assert.Equal(t, "general", joined.Room)
	assert.Equal(t, "bob", joined.Username)
	assert.Empty(t, joined.Users)
}

func TestJoinUnknownRoom(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})
	c.login("alice")

	c.send(comms.JoinRoomCommand{Room: "basement"})
	errEv := expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindUnknownRoom, errEv.Kind)
	assert.Equal(t, "basement", errEv.Room)

	c.join("general")
}

func TestJoinWhileJoinedIsIgnored(t *testing.T) {
	manager := newTestManager(t, 64)
	c := startSession(t, manager, "sess-1", Config{})
	c.login("alice")
	c.join("general")

	c.send(comms.JoinRoomCommand{Room: "general"})
	c.expectNoEvent(75 * time.Millisecond)

	// Still joined with the original handle.
	c.send(comms.SendMessageCommand{Room: "general", Content: "hello"})
	msg := expectEvent[comms.UserMessageEvent](c)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, []string{"alice"}, manager.Room("general").Members())
}

func TestJoinUserNameTakenAcrossSessions(t *testing.T) {
	manager := newTestManager(t, 64)

	first := startSession(t, manager, "sess-a", Config{})
	first.login("alice")
	first.join("general")

	second := startSession(t, manager, "sess-b", Config{})
	second.login("alice")
	second.send(comms.JoinRoomCommand{Room: "general"})
	errEv := expectEvent[comms.ErrorEvent](second)
	assert.Equal(t, comms.ErrorKindUserNameTaken, errEv.Kind)
	assert.Equal(t, "general", errEv.Room)

	// The same name is free in other rooms.
	second.join("random")
}

func TestMessageFanout(t *testing.T) {
	manager := newTestManager(t, 64)

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	alice.join("general")

	bob := startSession(t, manager, "sess-b", Config{})
	bob.login("bob")
	bob.join("general")
	expectEvent[comms.UserJoinedEvent](alice) // bob's arrival

	alice.send(comms.SendMessageCommand{Room: "general", Content: "hi all"})

	for _, c := range []*testClient{alice, bob} {
		msg := expectEvent[comms.UserMessageEvent](c)
		assert.Equal(t, "general", msg.Room)
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hi all", msg.Content)
		assert.Positive(t, msg.Timestamp)
	}
}

// A member of several rooms gets one copy of a message, tagged with the
// publishing room; the other rooms contribute nothing.
func TestMessageTaggedWithPublishingRoomOnly(t *testing.T) {
	manager := newTestManager(t, 64)

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	alice.join("general")
	alice.join("random")

	bob := startSession(t, manager, "sess-b", Config{})
	bob.login("bob")
	bob.join("general")
	expectEvent[comms.UserJoinedEvent](alice) // bob's arrival

	bob.send(comms.SendMessageCommand{Room: "general", Content: "only here"})

	msg := expectEvent[comms.UserMessageEvent](alice)
	assert.Equal(t, "general", msg.Room)
	assert.Equal(t, "bob", msg.Username)
	assert.Equal(t, "only here", msg.Content)
	alice.expectNoEvent(100 * time.Millisecond)
}

func TestSendWithoutJoinRejected(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})
	c.login("alice")

	c.send(comms.SendMessageCommand{Room: "general", Content: "hi"})
	errEv := expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindNotInRoom, errEv.Kind)
	assert.Equal(t, "general", errEv.Room)
}

func TestMessageContentValidation(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})
	c.login("alice")
	c.join("general")

	c.send(comms.SendMessageCommand{Room: "general", Content: ""})
	errEv := expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindInvalidCommand, errEv.Kind)

	c.send(comms.SendMessageCommand{Room: "general", Content: strings.Repeat("x", room.MaxMessageBytes+1)})
	errEv = expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindInvalidCommand, errEv.Kind)

	c.send(comms.SendMessageCommand{Room: "general", Content: strings.Repeat("x", room.MaxMessageBytes)})
	msg := expectEvent[comms.UserMessageEvent](c)
	assert.Len(t, msg.Content, room.MaxMessageBytes)
}

func TestJoinerSeesOnlyEventsAfterJoin(t *testing.T) {
	manager := newTestManager(t, 64)

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	alice.join("general")

	// Reading the fanout copy back proves the message is on the bus before
	// bob joins.
	alice.send(comms.SendMessageCommand{Room: "general", Content: "before"})
	expectEvent[comms.UserMessageEvent](alice)

	bob := startSession(t, manager, "sess-b", Config{})
	bob.login("bob")
	bob.join("general")
	expectEvent[comms.UserJoinedEvent](alice)

	alice.send(comms.SendMessageCommand{Room: "general", Content: "after"})

	msg := expectEvent[comms.UserMessageEvent](bob)
	assert.Equal(t, "after", msg.Content, "history from before the join must not replay")
}

func TestLeaveSilencesRoomImmediately(t *testing.T) {
	manager := newTestManager(t, 64)

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	alice.join("general")

	bob := startSession(t, manager, "sess-b", Config{})
	bob.login("bob")
	bob.join("general")
	expectEvent[comms.UserJoinedEvent](alice)

	// Leaving is not acknowledged; the leaver sees nothing, not even its
	// own departure.
	bob.send(comms.LeaveRoomCommand{Room: "general"})

	left := expectEvent[comms.UserLeftEvent](alice)
	assert.Equal(t, "bob", left.Username)

	alice.send(comms.SendMessageCommand{Room: "general", Content: "anyone there?"})
	expectEvent[comms.UserMessageEvent](alice)
	bob.expectNoEvent(100 * time.Millisecond)

	// Rejoining opens a fresh episode with live delivery.
	echo := bob.join("general")
	assert.Equal(t, []string{"alice", "bob"}, echo.Users)
	expectEvent[comms.UserJoinedEvent](alice)

	alice.send(comms.SendMessageCommand{Room: "general", Content: "welcome back"})
	msg := expectEvent[comms.UserMessageEvent](bob)
	assert.Equal(t, "welcome back", msg.Content)
}

func TestLeaveRoomNotJoinedIsIgnored(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})
	c.login("alice")

	c.send(comms.LeaveRoomCommand{Room: "general"})
	c.send(comms.LeaveRoomCommand{Room: "basement"})
	c.expectNoEvent(75 * time.Millisecond)
}

func TestQuitLeavesJoinedRooms(t *testing.T) {
	manager := newTestManager(t, 64)

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	alice.join("general")
	alice.join("random")

	bob := startSession(t, manager, "sess-b", Config{})
	bob.login("bob")
	bob.join("general")
	expectEvent[comms.UserJoinedEvent](alice)

	alice.send(comms.QuitCommand{})
	require.NoError(t, alice.wait())

	left := expectEvent[comms.UserLeftEvent](bob)
	assert.Equal(t, "general", left.Room)
	assert.Equal(t, "alice", left.Username)

	assert.Equal(t, []string{"bob"}, manager.Room("general").Members())
	assert.Empty(t, manager.Room("random").Members())
}

func TestAbruptDisconnectCleansUp(t *testing.T) {
	manager := newTestManager(t, 64)

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	alice.join("general")

	bob := startSession(t, manager, "sess-b", Config{})
	bob.login("bob")
	bob.join("general")
	expectEvent[comms.UserJoinedEvent](alice)

	// The client vanishes without a quit.
	require.NoError(t, alice.conn.Close())
	assert.NoError(t, alice.wait())

	left := expectEvent[comms.UserLeftEvent](bob)
	assert.Equal(t, "alice", left.Username)
	assert.Equal(t, []string{"bob"}, manager.Room("general").Members())
}

func TestShutdownCancelEndsSession(t *testing.T) {
	manager := newTestManager(t, 64)

	c := startSession(t, manager, "sess-1", Config{})
	c.login("alice")
	c.join("general")

	c.cancel()
	assert.NoError(t, c.wait())
	c.expectClosed()
	assert.Empty(t, manager.Room("general").Members())
}

func TestMalformedFramesAfterLoginAreRecoverable(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})
	c.login("alice")

	for _, raw := range []string{"this is not json\r\n", "{\"_ct\":\"dance\"}\r\n"} {
		_, err := c.conn.Write([]byte(raw))
		require.NoError(t, err)
		errEv := expectEvent[comms.ErrorEvent](c)
		assert.Equal(t, comms.ErrorKindInvalidCommand, errEv.Kind)
	}

	c.join("general")
}

func TestMalformedLoginFrameEndsSession(t *testing.T) {
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{})

	_, err := c.conn.Write([]byte("gibberish\r\n"))
	require.NoError(t, err)

	errEv := expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindInvalidCommand, errEv.Kind)
	assert.Error(t, c.wait())
	c.expectClosed()
}

func TestCommandRateLimit(t *testing.T) {
	// A negligible refill rate makes the outcome deterministic: the burst
	// covers exactly two commands. Unknown-room probes produce direct
	// replies, so the wire order is fixed too.
	c := startSession(t, newTestManager(t, 64), "sess-1", Config{Rate: 0.0001, Burst: 2})
	c.login("alice")

	for i := 0; i < 2; i++ {
		c.send(comms.JoinRoomCommand{Room: "basement"})
		errEv := expectEvent[comms.ErrorEvent](c)
		assert.Equal(t, comms.ErrorKindUnknownRoom, errEv.Kind)
	}

	c.send(comms.JoinRoomCommand{Room: "basement"})
	errEv := expectEvent[comms.ErrorEvent](c)
	assert.Equal(t, comms.ErrorKindRateLimited, errEv.Kind)
}

// A slow consumer behind a tiny bus must lose events, not break: delivery
// stays in per-room order and the session keeps answering commands.
func TestSessionStaysOrderedUnderBurst(t *testing.T) {
	manager := newTestManager(t, 4)

	bob := startSession(t, manager, "sess-b", Config{Buffer: 1})
	bob.login("bob")
	bob.join("general")

	alice := startSession(t, manager, "sess-a", Config{})
	alice.login("alice")
	alice.join("general")
	expectEvent[comms.UserJoinedEvent](bob)

	const burst = 50
	for i := 0; i < burst; i++ {
		alice.send(comms.SendMessageCommand{Room: "general", Content: fmt.Sprintf("m%d", i)})
	}

	// A direct reply cannot be dropped by the bus, so it bounds the drain.
	bob.send(comms.JoinRoomCommand{Room: "basement"})

	last := -1
	for {
		ev := bob.nextEvent()
		if errEv, ok := ev.(comms.ErrorEvent); ok {
			assert.Equal(t, comms.ErrorKindUnknownRoom, errEv.Kind)
			break
		}
		msg, ok := ev.(comms.UserMessageEvent)
		require.True(t, ok, "unexpected event %#v", ev)
		var n int
		_, err := fmt.Sscanf(msg.Content, "m%d", &n)
		require.NoError(t, err)
		require.Greater(t, n, last, "fanout must preserve publish order")
		last = n
	}
}
