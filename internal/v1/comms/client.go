package comms

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// The client half of the protocol. The server never imports these; they
// exist for end-to-end tests, load tools, and terminal clients.

// EventStream yields the events the server sends, in order.
type EventStream struct {
	scanner *bufio.Scanner
}

// NewEventStream frames r into events.
func NewEventStream(r io.Reader) *EventStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &EventStream{scanner: scanner}
}

// Next returns the next event, io.EOF when the server closed the stream, or
// a *DecodeError for malformed frames.
func (s *EventStream) Next() (Event, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return DecodeEvent(line)
	}
}

// CommandWriter serializes commands onto the server connection.
type CommandWriter struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

// NewCommandWriter wraps w; see NewEventWriter for deadline semantics.
func NewCommandWriter(w io.Writer, timeout time.Duration) *CommandWriter {
	return &CommandWriter{w: w, timeout: timeout}
}

// Write serializes cmd and appends the frame terminator.
func (w *CommandWriter) Write(cmd Command) error {
	data, err := EncodeCommand(cmd)
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

// SplitClientConn wraps a dialed server connection into the inbound event
// stream and the outbound command writer.
func SplitClientConn(conn io.ReadWriter, writeTimeout time.Duration) (*EventStream, *CommandWriter) {
	return NewEventStream(conn), NewCommandWriter(conn, writeTimeout)
}
