package wire

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/clipstash/internal/message"
)

const writeTimeout = 5 * time.Second

// ErrClosed is returned by Send after the Conn has been closed.
var ErrClosed = errors.New("connection closed")

// EventKind classifies connection events.
type EventKind int

const (
	// EventMessage carries one decoded frame.
	EventMessage EventKind = iota
	// EventDisconnected reports a transport failure after at least one frame
	// had been exchanged. At most one is emitted, as the final event.
	EventDisconnected
	// EventConnectFailed reports a transport failure before any frame was
	// exchanged. At most one is emitted, as the final event.
	EventConnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailed:
		return "connect-failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one entry in a connection's ordered event stream.
type Event struct {
	Kind  EventKind
	Frame Frame // set for EventMessage
	Err   error // cause for the terminal kinds; nil on clean EOF
}

var lastConnID atomic.Int64

// Conn wraps a net.Conn with clipstash framing and turns its read side into
// an ordered event stream: Events yields frames strictly in arrival order,
// then exactly one terminal event, and is closed afterwards. Closing the
// Conn suppresses any event not yet delivered.
//
// Send may be called from any goroutine. The event stream must be drained by
// exactly one consumer.
type Conn struct {
	id   int64
	conn net.Conn
	log  *slog.Logger

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	exchanged atomic.Bool
}

// New wraps conn and starts reading from it. The caller must drain Events or
// eventually call Close.
func New(conn net.Conn) *Conn {
	c := &Conn{
		id:     lastConnID.Add(1),
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	c.log = slog.With("socket", c.id)
	go c.readLoop()
	return c
}

// ID returns the process-unique socket id, for log correlation.
func (c *Conn) ID() int64 { return c.id }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Events returns the connection's event stream.
func (c *Conn) Events() <-chan Event { return c.events }

// Send writes one frame. Oversized payloads are rejected before anything
// hits the wire.
func (c *Conn) Send(code message.Code, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if codeSize+len(data) > MaxFrameSize {
		return fmt.Errorf("send %v: frame too large (%d bytes)", code, len(data))
	}
	b := Frame{Code: code, Data: data}.Encode()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(b)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("send %v: %w", code, err)
	}
	c.exchanged.Store(true)
	return nil
}

// WaitEvent blocks until the next event arrives or timeout elapses. ok is
// false on timeout and after the stream has ended; callers are expected to
// re-check their own state and loop.
func (c *Conn) WaitEvent(timeout time.Duration) (Event, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev, ok := <-c.events:
		return ev, ok
	case <-t.C:
		return Event{}, false
	}
}

// Close shuts the connection down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop() {
	defer close(c.events)
	var dec Decoder
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				c.exchanged.Store(true)
				if !c.emit(Event{Kind: EventMessage, Frame: f}) {
					return
				}
			}
			if ferr != nil {
				c.log.Error("bad frame, dropping connection", "err", ferr)
				_ = c.conn.Close()
				c.terminate(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.terminate(err)
			return
		}
	}
}

// terminate emits the final event unless the Conn was closed locally.
func (c *Conn) terminate(err error) {
	if c.isClosed() {
		return
	}
	kind := EventConnectFailed
	if c.exchanged.Load() {
		kind = EventDisconnected
	}
	c.emit(Event{Kind: kind, Err: err})
}

func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
