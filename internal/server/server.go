// Package server implements the clipstash server: it owns the per-session
// command socket, keeps the clipboard history, and supervises the clipboard
// monitor process that feeds it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/clipstash/internal/history"
	"go.klb.dev/clipstash/internal/ipc"
	"go.klb.dev/clipstash/internal/message"
	"go.klb.dev/clipstash/internal/wire"
)

// Input is buffered per request; anything bigger than this is hostile.
const maxInputBytes = 64 * 1024 * 1024

// Config carries everything a Server needs beyond its store.
type Config struct {
	Session       string
	SocketPath    string
	MonitorSocket string
	Version       string

	// Settings is pushed to the monitor when it connects.
	Settings message.Settings

	// ExePath is the binary to spawn the monitor from; empty disables
	// spawning, in which case something else must connect to MonitorSocket.
	ExePath string

	// MonitorArgs is appended to the monitor invocation (session, logging).
	MonitorArgs []string
}

// Server accepts one-shot command sessions and holds the session state: the
// latest snapshot per clipboard buffer, the history store and the monitor
// link.
type Server struct {
	cfg   Config
	store *history.Store
	log   *slog.Logger

	instanceID string
	startedAt  time.Time

	mu         sync.RWMutex
	latest     map[message.Mode]message.Snapshot
	monitoring bool
	settings   message.Settings

	monitor *monitorHost

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a Server over an opened history store.
func New(cfg Config, store *history.Store) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		log:        slog.With("session", sessionName(cfg.Session)),
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		latest:     make(map[message.Mode]message.Snapshot),
		monitoring: true,
		settings:   cfg.Settings,
		shutdownCh: make(chan struct{}),
	}
	s.monitor = newMonitorHost(cfg.ExePath, cfg.MonitorArgs, s.currentSettings, s.clipboardChanged, s.log)
	return s
}

func sessionName(session string) string {
	if session == "" {
		return "default"
	}
	return session
}

// Run serves until ctx is cancelled or an exit command arrives. It owns both
// listeners for its lifetime.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := ipc.Listen(s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.SocketPath, err)
	}
	mln, err := ipc.Listen(s.cfg.MonitorSocket)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen %s: %w", s.cfg.MonitorSocket, err)
	}
	s.log.Info("server ready",
		"version", s.cfg.Version,
		"instance", s.instanceID,
		"socket", s.cfg.SocketPath,
		"history", s.store.Path(),
	)

	go s.monitor.run(ctx, mln)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdownCh:
			cancel()
		}
		_ = ln.Close()
		_ = mln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Info("server stopping")
				return nil
			}
			s.log.Error("accept failed", "err", err)
			continue
		}
		go s.serveConn(ctx, wire.New(nc))
	}
}

// Shutdown stops Run. Safe to call more than once and from handlers.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown requested")
		close(s.shutdownCh)
	})
}

// ApplySettings takes a fresh option set, typically after a config file
// change, and forwards it to the monitor.
func (s *Server) ApplySettings(settings message.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.store.SetMaxItems(settings.Int("max_items", history.DefaultMaxItems))
	s.monitor.pushSettings(settings)
}

func (s *Server) currentSettings() message.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// clipboardChanged takes a snapshot reported by the monitor. Every buffer
// updates the latest-state cache; only primary clipboard content with
// something in it lands in the history.
func (s *Server) clipboardChanged(snap message.Snapshot) {
	mode := snap.Mode()
	s.mu.Lock()
	s.latest[mode] = snap
	capture := s.monitoring
	s.mu.Unlock()

	if mode != message.ModeClipboard {
		s.log.Debug("buffer updated", "mode", mode)
		return
	}
	if !capture {
		s.log.Debug("capture disabled, not storing")
		return
	}
	if !hasContent(snap) {
		s.log.Debug("empty clipboard, not storing")
		return
	}

	item, moved, err := s.store.Add(context.Background(), snap)
	if err != nil {
		s.log.Error("history add failed", "err", err)
		return
	}
	logCapture(s.log, snap, item, moved)
}

func hasContent(snap message.Snapshot) bool {
	for format, value := range snap {
		if !message.ReservedFormat(format) && len(value) > 0 {
			return true
		}
	}
	return false
}

type request struct {
	args  []string
	input []byte
}

// serveConn runs one command session: read the request, execute, reply,
// close.
func (s *Server) serveConn(ctx context.Context, c *wire.Conn) {
	defer c.Close()
	log := s.log.With("socket", c.ID())

	req, ok := s.readRequest(c, log)
	if !ok {
		return
	}
	log.Debug("command received", "args", req.args, "input_bytes", len(req.input))

	code, out, after := s.dispatch(ctx, req, c)
	if err := c.Send(code, out); err != nil {
		log.Warn("reply failed", "err", err)
	}
	if after != nil {
		after()
	}
}

// readRequest collects the command frame and its input stream. A session
// that disconnects or misbehaves before the input EOF yields no request.
func (s *Server) readRequest(c *wire.Conn, log *slog.Logger) (request, bool) {
	var req request
	gotCmd := false
	for ev := range c.Events() {
		if ev.Kind != wire.EventMessage {
			log.Debug("client went away", "event", ev.Kind)
			return request{}, false
		}
		switch f := ev.Frame; f.Code {
		case message.CmdCommand:
			if gotCmd {
				log.Error("second command frame on one session")
				return request{}, false
			}
			args, err := message.DecodeCommand(f.Data)
			if err != nil {
				log.Error("bad command payload", "err", err)
				_ = c.Send(message.CmdBadSyntax, []byte("malformed command"))
				return request{}, false
			}
			req.args = args
			gotCmd = true
		case message.CmdInput:
			if len(req.input)+len(f.Data) > maxInputBytes {
				log.Error("input too large")
				_ = c.Send(message.CmdError, []byte("input too large"))
				return request{}, false
			}
			req.input = append(req.input, f.Data...)
		case message.CmdInputEOF:
			if !gotCmd {
				log.Error("input finished before any command")
				return request{}, false
			}
			return req, true
		default:
			log.Error("unexpected message code", "code", f.Code)
		}
	}
	return request{}, false
}
