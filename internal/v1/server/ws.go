package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/parleychat/parley/internal/v1/comms"
	"github.com/parleychat/parley/internal/v1/logging"
	"github.com/parleychat/parley/internal/v1/metrics"
	"github.com/parleychat/parley/internal/v1/ratelimit"
	"github.com/parleychat/parley/internal/v1/room"
	"github.com/parleychat/parley/internal/v1/session"
)

// defaultAllowedOrigins applies when no origins are configured.
var defaultAllowedOrigins = []string{"http://localhost:3000"}

// wsConn is the subset of *websocket.Conn the gateway uses. Tests substitute
// a scripted implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Gateway upgrades HTTP requests into WebSocket chat connections and runs
// them through the same session state machine as the TCP listener. Each text
// frame carries exactly one protocol line, newline optional.
type Gateway struct {
	manager *room.Manager
	limiter *ratelimit.Limiter
	origins set.Set[string]
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[wsConn]struct{}
	closed bool
}

// NewGateway builds the gateway. limiter may be nil to skip per-IP upgrade
// admission; an empty origins list falls back to defaultAllowedOrigins.
func NewGateway(manager *room.Manager, limiter *ratelimit.Limiter, origins []string, cfg Config) *Gateway {
	if len(origins) == 0 {
		origins = defaultAllowedOrigins
	}
	allowed := set.New[string]()
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logging.Warn(context.Background(), "ignoring unusable allowed origin", zap.String("origin", o))
			continue
		}
		allowed.Insert(u.Scheme + "://" + u.Host)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		manager: manager,
		limiter: limiter,
		origins: allowed,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[wsConn]struct{}),
	}
}

// ServeWs is the gin handler for chat upgrades. It blocks for the lifetime
// of the session, which keeps the connection accounted for in Shutdown.
func (g *Gateway) ServeWs(c *gin.Context) {
	if g.limiter != nil && !g.limiter.AllowWebSocket(c) {
		return // response already written
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, g.origins)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied with the failure status.
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	g.runSession(conn, c.ClientIP())
}

// runSession drives one socket to completion.
func (g *Gateway) runSession(conn wsConn, remote string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.conns[conn] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	metrics.WebSocketConnectionsActive.Inc()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		metrics.WebSocketConnectionsActive.Dec()
		g.wg.Done()
	}()

	id := room.SessionIdType(uuid.NewString())
	transport := &wsTransport{conn: conn, writeTimeout: g.cfg.WriteTimeout}
	sess := session.New(id, g.manager, transport, transport, transport, g.cfg.Session)

	ctx := logging.WithSession(g.ctx, string(id))
	logging.Info(ctx, "websocket connection accepted", zap.String("remote_addr", remote))

	if err := sess.Run(g.ctx); err != nil {
		logging.Warn(ctx, "session ended with error", zap.Error(err))
	}
}

// Shutdown cancels every running session and waits for them to drain until
// ctx expires, force-closing the stragglers' sockets past the deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	remaining := len(g.conns)
	for conn := range g.conns {
		_ = conn.Close()
	}
	g.mu.Unlock()

	<-done
	logging.Warn(ctx, "websocket sessions force-closed at shutdown deadline", zap.Int("count", remaining))
	return ctx.Err()
}

// originAllowed checks the Origin header against the allowed set. Requests
// without an Origin (non-browser clients, tests) pass; browsers must match
// an allowed scheme and host exactly.
func originAllowed(r *http.Request, allowed set.Set[string]) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "invalid origin header", zap.String("origin", origin), zap.Error(err))
		return false
	}
	if allowed.Has(originURL.Scheme + "://" + originURL.Host) {
		return true
	}

	logging.Warn(r.Context(), "origin not allowed", zap.String("origin", origin), zap.Strings("allowed", allowed.SortedList()))
	return false
}

// wsTransport adapts one WebSocket connection to the session's transport
// interfaces: text frames in, text frames out, one protocol line each.
// Reads and writes may run on different goroutines, matching what
// gorilla/websocket permits.
type wsTransport struct {
	conn         wsConn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Next returns the next command frame. Normal closure reads as io.EOF so
// the session treats a polite browser exactly like a TCP disconnect.
func (t *wsTransport) Next() (comms.Command, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		line := bytes.TrimRight(data, "\r\n")
		if len(line) == 0 {
			continue
		}
		return comms.DecodeCommand(line)
	}
}

// Write sends one event as a single text frame.
func (t *wsTransport) Write(ev comms.Event) error {
	data, err := comms.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a best-effort close frame and tears down the socket, which
// also unblocks a concurrent Next.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
