// Package server owns the front doors of the chat service: the TCP listener
// that speaks the line protocol directly, and the WebSocket gateway that
// carries the same protocol one frame per line. Both run one session per
// connection against the shared room manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleychat/parley/internal/v1/comms"
	"github.com/parleychat/parley/internal/v1/logging"
	"github.com/parleychat/parley/internal/v1/metrics"
	"github.com/parleychat/parley/internal/v1/room"
	"github.com/parleychat/parley/internal/v1/session"
)

// Config tunes the listener and every session it spawns.
type Config struct {
	// BindAddr is the host:port the TCP listener binds.
	BindAddr string

	// WriteTimeout bounds a single event write to one client.
	WriteTimeout time.Duration

	// Session configures the per-connection state machines.
	Session session.Config
}

// Server accepts chat clients on a TCP listener and runs a session per
// connection. Construct with New, call Start once, end with Shutdown.
type Server struct {
	cfg     Config
	manager *room.Manager

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(manager *room.Manager, cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting in the background. It
// returns once the server is reachable; Addr reports where.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("server: already started")
	}

	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(runCtx)
	}()

	logging.Info(ctx, "chat server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address. Only valid after Start; handy
// when binding port 0 in tests.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Accept can fail transiently (EMFILE, aborted handshakes); back
			// off with a capped delay instead of spinning or giving up.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			logging.Error(ctx, "accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0
		s.startSession(ctx, conn)
	}
}

// startSession registers the connection and drives its session on a fresh
// goroutine. The session owns the connection from here on.
func (s *Server) startSession(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	metrics.IncConnection()

	id := room.SessionIdType(uuid.NewString())
	source, sink := comms.SplitServerConn(conn, s.cfg.WriteTimeout)
	sess := session.New(id, s.manager, source, sink, conn, s.cfg.Session)

	logging.Info(logging.WithSession(ctx, string(id)), "connection accepted",
		zap.String("remote_addr", conn.RemoteAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			metrics.DecConnection()
		}()

		if err := sess.Run(ctx); err != nil {
			logging.Warn(logging.WithSession(ctx, string(id)), "session ended with error", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting, cancels every session, and waits for them to
// drain until ctx expires. Sessions still alive at the deadline get their
// connections force-closed; Shutdown then reports how many needed that.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	logging.Info(ctx, "shutting down chat server")
	_ = s.listener.Close()
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		logging.Info(ctx, "all sessions drained")
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	<-done
	logging.Warn(ctx, "shutdown deadline reached, connections force-closed", zap.Int("count", remaining))
	return fmt.Errorf("server: %d sessions force-closed at shutdown deadline: %w", remaining, ctx.Err())
}
