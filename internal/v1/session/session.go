// Package session implements the per-connection chat session: the state
// machine that turns one client's command stream into room joins, leaves and
// messages, and the merger that folds all of that client's room
// subscriptions back into a single outbound event stream.
//
// A session is transport-agnostic. It consumes a CommandSource and produces
// onto an EventSink; the TCP listener and the WebSocket gateway provide the
// concrete halves.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parleychat/parley/internal/v1/comms"
	"github.com/parleychat/parley/internal/v1/logging"
	"github.com/parleychat/parley/internal/v1/metrics"
	"github.com/parleychat/parley/internal/v1/room"
)

// MaxUserNameBytes bounds the username claimed at login.
const MaxUserNameBytes = 64

// CommandSource yields the commands one client sends, in order. Next blocks
// on the underlying transport; implementations unblock it when the wire is
// closed.
type CommandSource interface {
	Next() (comms.Command, error)
}

// EventSink writes events back to the client. A sink error is a transport
// failure and ends the session.
type EventSink interface {
	Write(comms.Event) error
}

// Config tunes one session.
type Config struct {
	// Buffer is the merged-event queue length shared by all joined rooms.
	// Non-positive falls back to DefaultBuffer.
	Buffer int

	// Rate bounds inbound commands per second; zero disables the limit.
	// Burst is the bucket size when the limit is active.
	Rate  float64
	Burst int
}

// Session drives one client connection from the login claim to cleanup. It
// lives on a single goroutine (Run) plus one internal reader pump; Run
// guarantees that every joined room is left, every subscription released and
// the wire closed before it returns, whatever ended the session.
type Session struct {
	id      room.SessionIdType
	manager *room.Manager
	source  CommandSource
	sink    EventSink
	wire    io.Closer

	merger  *Merger
	limiter *rate.Limiter

	username room.UserNameType
	handles  map[room.RoomNameType]*room.UserSessionHandle
	epochs   map[room.RoomNameType]uint64
}

// New binds a session to its transport halves and the shared room manager.
// wire is closed during cleanup, which is also what unblocks a source stuck
// in a read.
func New(id room.SessionIdType, manager *room.Manager, source CommandSource, sink EventSink, wire io.Closer, cfg Config) *Session {
	s := &Session{
		id:      id,
		manager: manager,
		source:  source,
		sink:    sink,
		wire:    wire,
		merger:  NewMerger(cfg.Buffer),
		handles: make(map[room.RoomNameType]*room.UserSessionHandle),
		epochs:  make(map[room.RoomNameType]uint64),
	}
	if cfg.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	return s
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() room.SessionIdType {
	return s.id
}

// inbound pairs a decoded command with the read error that produced it, so
// the select loop can treat both through one channel.
type inbound struct {
	cmd comms.Command
	err error
}

// Run drives the session until the client quits, the transport fails, or ctx
// is canceled. The returned error is nil for clean endings (quit command,
// EOF, shutdown) and describes the failure otherwise.
func (s *Session) Run(ctx context.Context) error {
	ctx = logging.WithSession(ctx, string(s.id))
	ctx, cancel := context.WithCancel(ctx)

	commands, pumpDone := s.readCommands(ctx)

	loggedIn := false
	defer func() {
		// Closing: tear everything down in an order that cannot deadlock.
		// Cancel first so forwarders and the pump stop competing for the
		// output queue, then return every handle, then close the wire,
		// which is what unblocks a pump parked in a read.
		cancel()
		s.leaveAllRooms(ctx)
		s.merger.Close()
		_ = s.wire.Close()
		<-pumpDone
		if loggedIn {
			metrics.SessionsLoggedIn.Dec()
		}
		logging.Info(ctx, "session closed")
	}()

	ok, err := s.login(ctx, commands)
	if err != nil || !ok {
		return err
	}
	loggedIn = true
	metrics.SessionsLoggedIn.Inc()
	ctx = logging.WithUser(ctx, string(s.username))
	logging.Info(ctx, "user logged in")

	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-commands:
			if in.err != nil {
				var decodeErr *comms.DecodeError
				switch {
				case errors.As(in.err, &decodeErr):
					metrics.CommandsTotal.WithLabelValues("malformed", "rejected").Inc()
					if err := s.sink.Write(comms.ErrorEvent{
						Kind:    comms.ErrorKindInvalidCommand,
						Message: "malformed command frame",
					}); err != nil {
						return err
					}
					continue
				case errors.Is(in.err, io.EOF):
					return nil
				default:
					return fmt.Errorf("session: reading command: %w", in.err)
				}
			}

			quit, err := s.handleCommand(ctx, in.cmd)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}

		case item := <-s.merger.Out():
			if err := s.deliver(ctx, item); err != nil {
				return err
			}
		}
	}
}

// readCommands pumps the blocking source into a channel the select loop can
// consume alongside merged events. The pump exits after a transport error
// (cleanup closing the wire produces exactly that) or when ctx ends.
func (s *Session) readCommands(ctx context.Context) (<-chan inbound, <-chan struct{}) {
	commands := make(chan inbound)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			cmd, err := s.source.Next()
			select {
			case commands <- inbound{cmd: cmd, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				var decodeErr *comms.DecodeError
				if !errors.As(err, &decodeErr) {
					return
				}
			}
		}
	}()

	return commands, done
}

// login consumes the first command, which must claim a username, and replies
// with the login ack plus the room directory. ok reports whether the session
// reached the logged-in state; a false ok with a nil error is a clean early
// exit (quit or EOF before login).
func (s *Session) login(ctx context.Context, commands <-chan inbound) (ok bool, err error) {
	var in inbound
	select {
	case <-ctx.Done():
		return false, nil
	case in = <-commands:
	}

	if in.err != nil {
		if errors.Is(in.err, io.EOF) {
			return false, nil
		}
		var decodeErr *comms.DecodeError
		if errors.As(in.err, &decodeErr) {
			_ = s.sink.Write(comms.ErrorEvent{
				Kind:    comms.ErrorKindInvalidCommand,
				Message: "expected a login command",
			})
			return false, fmt.Errorf("session: malformed login frame: %w", in.err)
		}
		return false, fmt.Errorf("session: reading login: %w", in.err)
	}

	switch cmd := in.cmd.(type) {
	case comms.LoginCommand:
		username := strings.TrimSpace(cmd.Username)
		if username == "" || len(username) > MaxUserNameBytes {
			_ = s.sink.Write(comms.ErrorEvent{
				Kind:    comms.ErrorKindInvalidCommand,
				Message: fmt.Sprintf("username must be 1 to %d characters", MaxUserNameBytes),
			})
			return false, fmt.Errorf("session: invalid username claim %q", cmd.Username)
		}
		s.username = room.UserNameType(username)

		if err := s.sink.Write(comms.LoginSuccessfulEvent{SessionID: string(s.id), Username: username}); err != nil {
			return false, err
		}
		if err := s.sink.Write(s.participationSnapshot()); err != nil {
			return false, err
		}
		return true, nil

	case comms.QuitCommand:
		return false, nil

	default:
		_ = s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindInvalidCommand,
			Message: "log in before sending commands",
		})
		return false, fmt.Errorf("session: first command must be login, got %q", in.cmd.CommandType())
	}
}

// participationSnapshot is the login greeting: every seeded room with its
// description and current roster.
func (s *Session) participationSnapshot() comms.RoomParticipationEvent {
	infos := s.manager.Rooms()
	details := make([]comms.RoomDetail, 0, len(infos))
	for _, info := range infos {
		details = append(details, comms.RoomDetail{
			Name:        info.Name,
			Description: info.Description,
			Users:       info.Users,
		})
	}
	return comms.RoomParticipationEvent{Rooms: details}
}

// handleCommand dispatches one logged-in command. quit reports a quit
// command; a non-nil error is always a transport failure, since per-command
// failures have already been reported to the client as error events.
func (s *Session) handleCommand(ctx context.Context, cmd comms.Command) (quit bool, err error) {
	kind := string(cmd.CommandType())

	if s.limiter != nil && !s.limiter.Allow() {
		metrics.CommandsTotal.WithLabelValues(kind, "rate_limited").Inc()
		return false, s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindRateLimited,
			Message: "command rate limit exceeded, command dropped",
		})
	}

	start := time.Now()
	status := "ok"

	switch c := cmd.(type) {
	case comms.JoinRoomCommand:
		status, err = s.handleJoin(ctx, c)
	case comms.LeaveRoomCommand:
		status, err = s.handleLeave(ctx, c)
	case comms.SendMessageCommand:
		status, err = s.handleSend(c)
	case comms.QuitCommand:
		quit = true
	case comms.LoginCommand:
		status = "rejected"
		err = s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindInvalidCommand,
			Message: "already logged in",
		})
	default:
		status = "rejected"
		err = s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindInvalidCommand,
			Message: fmt.Sprintf("unsupported command %q", kind),
		})
	}

	metrics.CommandsTotal.WithLabelValues(kind, status).Inc()
	metrics.CommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return quit, err
}

func (s *Session) handleJoin(ctx context.Context, cmd comms.JoinRoomCommand) (string, error) {
	name := room.RoomNameType(cmd.Room)
	if _, joined := s.handles[name]; joined {
		return "ignored", nil
	}

	j, err := s.manager.Join(name, s.username)
	switch {
	case errors.Is(err, room.ErrUnknownRoom):
		return "rejected", s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindUnknownRoom,
			Room:    cmd.Room,
			Message: fmt.Sprintf("room %q does not exist", cmd.Room),
		})
	case errors.Is(err, room.ErrUserNameTaken):
		return "rejected", s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindUserNameTaken,
			Room:    cmd.Room,
			Message: fmt.Sprintf("%q is already taken in room %q", s.username, cmd.Room),
		})
	case err != nil:
		return "rejected", s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindInvalidCommand,
			Room:    cmd.Room,
			Message: "join failed",
		})
	}

	s.handles[name] = j.Handle
	s.epochs[name] = s.merger.Add(name, j.Subscription)
	logging.Info(logging.WithRoom(ctx, cmd.Room), "user joined room")

	// The joiner's subscription starts after its own UserJoined on the bus,
	// so this echo is the only copy the joiner sees; it doubles as the join
	// ack and carries the roster snapshot taken with the join.
	return "ok", s.sink.Write(comms.UserJoinedEvent{
		Room:     cmd.Room,
		Username: string(s.username),
		Users:    j.Users,
	})
}

func (s *Session) handleLeave(ctx context.Context, cmd comms.LeaveRoomCommand) (string, error) {
	name := room.RoomNameType(cmd.Room)
	handle, joined := s.handles[name]
	if !joined {
		return "ignored", nil
	}

	// Stop delivery before touching the roster: once Remove returns nothing
	// more from this room can reach the merged stream, so the client never
	// sees its own UserLeft or anything published after it.
	delete(s.handles, name)
	delete(s.epochs, name)
	s.merger.Remove(name)

	if err := s.manager.Leave(handle); err != nil {
		logging.Warn(logging.WithRoom(ctx, cmd.Room), "leave failed on a held handle", zap.Error(err))
		return "error", nil
	}
	logging.Info(logging.WithRoom(ctx, cmd.Room), "user left room")
	return "ok", nil
}

func (s *Session) handleSend(cmd comms.SendMessageCommand) (string, error) {
	handle, joined := s.handles[room.RoomNameType(cmd.Room)]
	if !joined {
		return "rejected", s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindNotInRoom,
			Room:    cmd.Room,
			Message: fmt.Sprintf("join room %q before sending messages", cmd.Room),
		})
	}

	err := handle.SendMessage(cmd.Content)
	switch {
	case errors.Is(err, room.ErrInvalidMessage):
		return "rejected", s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindInvalidCommand,
			Room:    cmd.Room,
			Message: fmt.Sprintf("messages must be 1 to %d bytes", room.MaxMessageBytes),
		})
	case err != nil:
		return "rejected", s.sink.Write(comms.ErrorEvent{
			Kind:    comms.ErrorKindNotInRoom,
			Room:    cmd.Room,
			Message: "no longer a member of this room",
		})
	}
	return "ok", nil
}

// deliver writes one merged item to the wire. Items from membership episodes
// that have since ended were queued before a leave and are dropped. Lag
// notices are resynced silently: the loss is logged and counted, and the
// client keeps reading from the new head.
func (s *Session) deliver(ctx context.Context, item Item) error {
	if s.epochs[item.Room] != item.Epoch {
		return nil
	}
	if item.Skipped > 0 {
		metrics.EventsDropped.WithLabelValues(string(item.Room)).Add(float64(item.Skipped))
		logging.Warn(logging.WithRoom(ctx, string(item.Room)), "session lagged, events dropped",
			zap.Uint64("skipped", item.Skipped))
		return nil
	}
	return s.sink.Write(item.Event)
}

// leaveAllRooms returns every held handle during cleanup. Each room is
// removed from the merger first, mirroring handleLeave, so UserLeft is
// published exactly once per membership and never delivered to its subject.
func (s *Session) leaveAllRooms(ctx context.Context) {
	for name, handle := range s.handles {
		delete(s.handles, name)
		delete(s.epochs, name)
		s.merger.Remove(name)
		if err := s.manager.Leave(handle); err != nil {
			logging.Warn(logging.WithRoom(ctx, string(name)), "leave on close failed", zap.Error(err))
		}
	}
}
