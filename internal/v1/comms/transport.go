package comms

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// newline terminates every frame in both directions. Readers tolerate bare
// LF; writers always emit CRLF.
var newline = []byte("\r\n")

// maxFrameBytes bounds a single wire frame. Anything longer is a transport
// error, not a recoverable decode error.
const maxFrameBytes = 64 * 1024

// writeDeadliner is the subset of net.Conn needed to bound a write. Plain
// io.Writers (in-memory pipes in tests, websocket adapters) simply skip the
// deadline.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// CommandStream yields the commands a single client sends, in order.
// Next blocks on the underlying reader; to interrupt it, close the
// connection. This mirrors how sessions cancel their readers.
type CommandStream struct {
	scanner *bufio.Scanner
}

// NewCommandStream frames r into commands.
func NewCommandStream(r io.Reader) *CommandStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &CommandStream{scanner: scanner}
}

// Next returns the next command. It returns io.EOF when the client closed
// the stream, a *DecodeError for malformed frames (the stream stays usable),
// and the underlying read error otherwise.
func (s *CommandStream) Next() (Command, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		// bufio.ScanLines strips the optional \r for us.
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return DecodeCommand(line)
	}
}

// EventWriter serializes events onto a single client connection. It is safe
// for concurrent use, though sessions funnel all writes through one
// goroutine anyway.
type EventWriter struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

// NewEventWriter wraps w. When w supports write deadlines and timeout is
// positive, every write is bounded by it; a write that overruns the deadline
// is a transport error and ends the session.
func NewEventWriter(w io.Writer, timeout time.Duration) *EventWriter {
	return &EventWriter{w: w, timeout: timeout}
}

// Write serializes ev and appends the frame terminator.
func (w *EventWriter) Write(ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	data = append(data, newline...)

	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.w.(writeDeadliner); ok && w.timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
	}

	_, err = w.w.Write(data)
	return err
}

// SplitServerConn wraps one accepted client connection into the inbound
// command stream and the outbound event writer. Reads and writes may proceed
// concurrently on the same conn.
func SplitServerConn(conn io.ReadWriter, writeTimeout time.Duration) (*CommandStream, *EventWriter) {
	return NewCommandStream(conn), NewEventWriter(conn, writeTimeout)
}
