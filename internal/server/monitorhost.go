package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"go.klb.dev/clipstash/internal/logging"
	"go.klb.dev/clipstash/internal/message"
	"go.klb.dev/clipstash/internal/wire"
)

const (
	pingInterval    = 8 * time.Second
	pongTimeout     = 4 * time.Second
	pingRetries     = 4
	respawnDelay    = time.Second
	respawnDelayMax = 30 * time.Second
)

// monitorHost owns the monitor side of the server: it spawns the monitor
// process, serves its socket, pushes settings and clipboard changes down,
// takes change reports up, and restarts the child when it stops answering
// pings.
type monitorHost struct {
	exePath  string
	args     []string
	settings func() message.Settings
	changed  func(message.Snapshot)
	log      *slog.Logger

	pingEvery time.Duration
	pongWait  time.Duration
	retries   int

	mu   sync.Mutex
	conn *wire.Conn
}

func newMonitorHost(exePath string, args []string, settings func() message.Settings, changed func(message.Snapshot), log *slog.Logger) *monitorHost {
	return &monitorHost{
		exePath:   exePath,
		args:      args,
		settings:  settings,
		changed:   changed,
		log:       log.With("role", "monitor-host"),
		pingEvery: pingInterval,
		pongWait:  pongTimeout,
		retries:   pingRetries,
	}
}

// run serves monitor connections until the listener closes. One connection
// is live at a time; serving is sequential so a replacement child queues
// behind the death of the old one.
func (h *monitorHost) run(ctx context.Context, ln net.Listener) {
	if h.exePath != "" {
		go h.spawnLoop(ctx)
	}
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		h.serve(ctx, wire.New(nc))
	}
}

func (h *monitorHost) serve(ctx context.Context, c *wire.Conn) {
	defer c.Close()
	log := h.log.With("socket", c.ID())
	log.Info("monitor connected")

	payload, err := h.settings().Encode()
	if err != nil {
		log.Error("cannot encode settings", "err", err)
		return
	}
	if err := c.Send(message.MonitorSettings, payload); err != nil {
		log.Warn("settings push failed", "err", err)
		return
	}

	h.setConn(c)
	defer h.setConn(nil)

	pongCh := make(chan struct{}, 1)
	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(ctx, c, pongCh, stopPing)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case wire.EventMessage:
				h.handleFrame(ev.Frame, pongCh, log)
			case wire.EventDisconnected, wire.EventConnectFailed:
				log.Warn("monitor connection lost", "err", ev.Err)
				return
			}
		}
	}
}

func (h *monitorHost) handleFrame(f wire.Frame, pongCh chan struct{}, log *slog.Logger) {
	switch f.Code {
	case message.MonitorPong:
		select {
		case pongCh <- struct{}{}:
		default:
		}
	case message.MonitorClipboardChanged:
		snap, err := message.DecodeSnapshot(f.Data)
		if err != nil {
			log.Error("bad change payload", "err", err)
			return
		}
		h.changed(snap)
	case message.MonitorLog:
		level, msg := logging.ParseForward(f.Data)
		log.Log(context.Background(), level, msg, "from", "monitor")
	default:
		log.Error("unexpected message code", "code", f.Code)
	}
}

// pingLoop checks the monitor is alive. A monitor that misses every retry is
// cut off; the closed connection unwinds serve and, for spawned children,
// triggers a restart.
func (h *monitorHost) pingLoop(ctx context.Context, c *wire.Conn, pongCh <-chan struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(h.pingEvery):
		}
		if !h.pingOnce(ctx, c, pongCh, stop) {
			h.log.Error("monitor stopped answering pings, dropping it")
			_ = c.Close()
			return
		}
	}
}

func (h *monitorHost) pingOnce(ctx context.Context, c *wire.Conn, pongCh <-chan struct{}, stop <-chan struct{}) bool {
	for try := 1; try <= h.retries; try++ {
		if err := c.Send(message.MonitorPing, nil); err != nil {
			return false
		}
		select {
		case <-pongCh:
			return true
		case <-time.After(h.pongWait):
			h.log.Warn("monitor ping unanswered", "attempt", try)
		case <-ctx.Done():
			return true
		case <-stop:
			return true
		}
	}
	return false
}

// spawnLoop keeps a monitor child alive, backing off on quick failures.
func (h *monitorHost) spawnLoop(ctx context.Context) {
	delay := respawnDelay
	for ctx.Err() == nil {
		started := time.Now()
		child, err := h.spawn()
		if err != nil {
			h.log.Error("cannot start monitor", "err", err)
		} else {
			h.log.Info("monitor started", "pid", child.Process.Pid)
			waitCh := make(chan error, 1)
			go func() { waitCh <- child.Wait() }()
			select {
			case <-ctx.Done():
				_ = child.Process.Kill()
				<-waitCh
				return
			case werr := <-waitCh:
				h.log.Warn("monitor exited", "err", werr)
			}
			if time.Since(started) > time.Minute {
				delay = respawnDelay
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, respawnDelayMax)
	}
}

func (h *monitorHost) spawn() (*exec.Cmd, error) {
	args := append([]string{"monitor"}, h.args...)
	child := exec.Command(h.exePath, args...)
	if err := child.Start(); err != nil {
		return nil, err
	}
	return child, nil
}

func (h *monitorHost) setConn(c *wire.Conn) {
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
}

func (h *monitorHost) current() *wire.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *monitorHost) connected() bool {
	return h.current() != nil
}

// sendChange asks the monitor to rewrite a clipboard buffer.
func (h *monitorHost) sendChange(mode message.Mode, snap message.Snapshot) error {
	c := h.current()
	if c == nil {
		return errors.New("clipboard monitor is not connected")
	}
	payload, err := snap.Encode()
	if err != nil {
		return err
	}
	code := message.MonitorChangeClipboard
	if mode == message.ModeSelection {
		code = message.MonitorChangeSelection
	}
	return c.Send(code, payload)
}

func (h *monitorHost) pushSettings(settings message.Settings) {
	c := h.current()
	if c == nil {
		return
	}
	payload, err := settings.Encode()
	if err != nil {
		h.log.Error("cannot encode settings", "err", err)
		return
	}
	if err := c.Send(message.MonitorSettings, payload); err != nil {
		h.log.Warn("settings push failed", "err", err)
		return
	}
	h.log.Info("settings pushed to monitor")
}
