// Package monitor implements the clipboard monitor session, the long-lived
// loop a clipstash monitor process runs against its server. It reports
// clipboard changes upstream, applies clipboard writes requested by the
// server, and answers liveness pings.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.klb.dev/clipstash/internal/clip"
	"go.klb.dev/clipstash/internal/logging"
	"go.klb.dev/clipstash/internal/message"
	"go.klb.dev/clipstash/internal/wire"
)

// ErrConnectFailed is returned by Run when the server connection failed
// before anything was exchanged. The monitor process maps it to a non-zero
// exit so its supervisor can tell a refused connection from a server
// shutdown.
var ErrConnectFailed = errors.New("server connection failed")

// Buffers the server can stage writes for, in apply order.
var stageOrder = []message.Mode{message.ModeClipboard, message.ModeSelection}

// Session is the monitor side of a monitor channel. It owns its connection
// and backend; all state below is touched only from Run's goroutine.
type Session struct {
	conn    *wire.Conn
	backend clip.Backend
	log     *slog.Logger

	formats    []string
	watching   bool
	configured bool

	last    map[message.Mode]message.Snapshot
	pending map[message.Mode]message.Snapshot
	armed   bool
	wake    chan struct{}
}

// New creates a session over an established server connection.
func New(conn *wire.Conn, backend clip.Backend) *Session {
	return &Session{
		conn:    conn,
		backend: backend,
		log:     slog.With("socket", conn.ID()),
		last:    make(map[message.Mode]message.Snapshot),
		pending: make(map[message.Mode]message.Snapshot),
		wake:    make(chan struct{}, 1),
	}
}

// Run drives the session until the server goes away or ctx is cancelled. A
// server shutdown returns nil; a connection that failed before the first
// exchange returns ErrConnectFailed.
func (s *Session) Run(ctx context.Context) error {
	for {
		// Staged writes wait until nothing else is pending, so a burst of
		// change requests collapses into one write per buffer.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.conn.Events():
			if done, err := s.handleEvent(ev, ok); done {
				return err
			}
			continue
		case mode := <-s.backend.Watch():
			s.clipboardChanged(mode)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.conn.Events():
			if done, err := s.handleEvent(ev, ok); done {
				return err
			}
		case mode := <-s.backend.Watch():
			s.clipboardChanged(mode)
		case <-s.wake:
			s.applyPending()
		}
	}
}

func (s *Session) handleEvent(ev wire.Event, ok bool) (bool, error) {
	if !ok {
		return true, nil
	}
	switch ev.Kind {
	case wire.EventConnectFailed:
		if ev.Err != nil {
			return true, fmt.Errorf("%w: %w", ErrConnectFailed, ev.Err)
		}
		return true, ErrConnectFailed
	case wire.EventDisconnected:
		s.log.Debug("server closed the connection")
		return true, nil
	case wire.EventMessage:
		s.handleMessage(ev.Frame)
	}
	return false, nil
}

func (s *Session) handleMessage(f wire.Frame) {
	switch f.Code {
	case message.MonitorPing:
		if err := s.conn.Send(message.MonitorPong, nil); err != nil {
			s.log.Error("pong failed", "err", err)
		}
	case message.MonitorSettings:
		s.applySettings(f.Data)
	case message.MonitorChangeClipboard:
		s.stageWrite(message.ModeClipboard, f.Data)
	case message.MonitorChangeSelection:
		s.stageWrite(message.ModeSelection, f.Data)
	default:
		s.log.Error("unknown message code", "code", f.Code)
	}
}

// applySettings reconfigures the session. Settings may be re-sent at any
// time; observation starts with the first batch and nothing is doubled by
// later ones.
func (s *Session) applySettings(data []byte) {
	settings, err := message.DecodeSettings(data)
	if err != nil {
		s.log.Error("bad settings payload", "err", err)
		return
	}
	if formats := settings.Formats(); len(formats) > 0 {
		s.formats = formats
	}
	s.backend.Configure(settings)
	s.watching = true
	s.log.Debug("settings applied", "formats", s.formats)

	if !s.configured {
		s.configured = true
		note := fmt.Sprintf("monitoring %s", s.backend.Name())
		if err := s.conn.Send(message.MonitorLog, logging.Forward(slog.LevelInfo, note)); err != nil {
			s.log.Error("log relay failed", "err", err)
		}
	}
}

// stageWrite queues a server-requested clipboard update. Only the most
// recent request per buffer survives until the write fires.
func (s *Session) stageWrite(mode message.Mode, data []byte) {
	snap, err := message.DecodeSnapshot(data)
	if err != nil {
		s.log.Error("bad snapshot payload", "mode", mode, "err", err)
		return
	}
	s.pending[mode] = snap
	if !s.armed {
		s.armed = true
		s.wake <- struct{}{}
	}
}

func (s *Session) applyPending() {
	s.armed = false
	for _, mode := range stageOrder {
		snap, ok := s.pending[mode]
		if !ok {
			continue
		}
		delete(s.pending, mode)
		if err := s.backend.Write(mode, snap); err != nil {
			s.log.Error("clipboard write failed", "mode", mode, "err", err)
		}
	}
}

// clipboardChanged reads the changed buffer and reports it to the server,
// unless its user-visible content matches what was last reported for that
// buffer.
func (s *Session) clipboardChanged(mode message.Mode) {
	if !s.watching {
		return
	}
	data, err := s.backend.Read(mode, s.formats)
	if err != nil {
		s.log.Error("clipboard read failed", "mode", mode, "err", err)
		return
	}
	if message.SameData(data, s.last[mode]) {
		s.log.Debug("ignoring unchanged clipboard", "mode", mode)
		return
	}

	if mode != message.ModeClipboard {
		data[message.FormatMode] = []byte(mode)
	}
	_, owned := data[message.FormatOwner]
	_, titled := data[message.FormatWindowTitle]
	if !owned && !titled {
		if title := s.backend.OwnerTitle(); title != "" {
			data[message.FormatWindowTitle] = []byte(title)
		}
	}

	payload, err := data.Encode()
	if err != nil {
		s.log.Error("snapshot encode failed", "err", err)
		return
	}
	if err := s.conn.Send(message.MonitorClipboardChanged, payload); err != nil {
		s.log.Error("change report failed", "err", err)
		return
	}
	s.last[mode] = data
}
