package server

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipstash/internal/client"
	"go.klb.dev/clipstash/internal/clip"
	"go.klb.dev/clipstash/internal/history"
	"go.klb.dev/clipstash/internal/ipc"
	"go.klb.dev/clipstash/internal/message"
	"go.klb.dev/clipstash/internal/monitor"
	"go.klb.dev/clipstash/internal/wire"
)

type harness struct {
	t    *testing.T
	srv  *Server
	sock string
	done chan error
}

func startServer(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "history.db"), history.DefaultMaxItems)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:    t,
		sock: filepath.Join(dir, "c.sock"),
		done: make(chan error, 1),
	}
	h.srv = New(Config{
		Session:       "test",
		SocketPath:    h.sock,
		MonitorSocket: filepath.Join(dir, "m.sock"),
		Version:       "0.0.0-test",
		Settings:      message.Settings{"formats": []string{message.FormatText}},
	}, store)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- h.srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := ipc.Dial(h.sock)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "command socket never came up")
	return h
}

// attachMonitor runs a real monitor session against the server's monitor
// socket, backed by the in-memory clipboard.
func (h *harness) attachMonitor() clip.Backend {
	h.t.Helper()
	backend := clip.Memory()
	nc, err := ipc.Dial(h.srv.cfg.MonitorSocket)
	require.NoError(h.t, err)
	sess := monitor.New(wire.New(nc), backend)

	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)
	go func() { _ = sess.Run(ctx) }()

	require.Eventually(h.t, func() bool { return h.srv.monitor.connected() },
		2*time.Second, 10*time.Millisecond, "monitor never attached")
	return backend
}

func (h *harness) client(args ...string) (int, string, string) {
	h.t.Helper()
	return h.clientInput(nil, args...)
}

func (h *harness) clientInput(stdin []byte, args ...string) (int, string, string) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	opts := client.Options{
		SocketPath: h.sock,
		Args:       args,
		Stdout:     &out,
		Stderr:     &errOut,
	}
	if stdin != nil {
		opts.Stdin = bytes.NewReader(stdin)
	}
	code := client.Run(context.Background(), opts)
	return code, out.String(), errOut.String()
}

func TestAddAndRead(t *testing.T) {
	h := startServer(t)

	code, _, errOut := h.client("add", "first", "second")
	require.Zero(t, code, errOut)

	code, out, _ := h.client("read", "0")
	require.Zero(t, code)
	assert.Equal(t, "second", out, "last added item should sit at row 0")

	_, out, _ = h.client("read", "1")
	assert.Equal(t, "first", out)

	_, out, _ = h.client("read")
	assert.Equal(t, "second", out, "read without rows defaults to row 0")

	_, out, _ = h.client("read", "0", "1")
	assert.Equal(t, "second\nfirst", out)
}

func TestPipedInputBecomesItem(t *testing.T) {
	h := startServer(t)

	code, _, errOut := h.clientInput([]byte("piped bytes"), "add")
	require.Zero(t, code, errOut)

	_, out, _ := h.client("read", "0")
	assert.Equal(t, "piped bytes", out)
}

func TestListNewestFirst(t *testing.T) {
	h := startServer(t)

	h.client("add", "alpha", "beta")
	h.client("add", "li\nne")

	code, out, _ := h.client("list")
	require.Zero(t, code)
	assert.Equal(t, "0. li\\nne\n1. beta\n2. alpha\n", out)

	code, out, _ = h.client("list", "2")
	require.Zero(t, code)
	assert.Equal(t, "0. li\\nne\n1. beta\n", out)
}

func TestRemoveAndCount(t *testing.T) {
	h := startServer(t)
	h.client("add", "a", "b", "c")

	_, out, _ := h.client("count")
	assert.Equal(t, "3\n", out)

	code, _, _ := h.client("remove", "1")
	require.Zero(t, code)

	_, out, _ = h.client("count")
	assert.Equal(t, "2\n", out)
	_, out, _ = h.client("read", "0")
	assert.Equal(t, "c", out)
	_, out, _ = h.client("read", "1")
	assert.Equal(t, "a", out)
}

func TestClearEmptiesHistory(t *testing.T) {
	h := startServer(t)
	h.client("add", "a", "b")

	code, _, _ := h.client("clear")
	require.Zero(t, code)

	_, out, _ := h.client("count")
	assert.Equal(t, "0\n", out)
}

func TestBadArgumentsAreSyntaxErrors(t *testing.T) {
	h := startServer(t)

	code, _, errOut := h.client("remove", "x")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "bad row")

	code, _, errOut = h.client("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown command")

	code, _, errOut = h.client("add")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "need text arguments or piped input")
}

func TestHelpAndVersion(t *testing.T) {
	h := startServer(t)

	code, out, _ := h.client("help")
	require.Zero(t, code)
	assert.Contains(t, out, "Commands:")

	code, out, _ = h.client("version")
	require.Zero(t, code)
	assert.Equal(t, "clipstash 0.0.0-test\n", out)
}

func TestStatusReportsState(t *testing.T) {
	h := startServer(t)

	code, out, _ := h.client("status")
	require.Zero(t, code)
	assert.Contains(t, out, "session:")
	assert.Contains(t, out, "test")
	assert.Contains(t, out, "enabled")
	assert.Contains(t, out, "disconnected", "no monitor is attached yet")

	h.attachMonitor()
	_, out, _ = h.client("status")
	assert.Contains(t, out, "connected")
}

func TestCopyWithoutMonitorFails(t *testing.T) {
	h := startServer(t)

	code, _, errOut := h.client("copy", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "monitor is not connected")
}

func TestCopyRoundTrip(t *testing.T) {
	h := startServer(t)
	backend := h.attachMonitor()

	code, _, errOut := h.client("copy", "hello clipboard")
	require.Zero(t, code, errOut)

	require.Eventually(t, func() bool {
		snap, err := backend.Read(message.ModeClipboard, nil)
		return err == nil && snap.Text() == "hello clipboard"
	}, 2*time.Second, 20*time.Millisecond, "copy never reached the clipboard")

	// The change echoes back through the monitor and lands in history.
	require.Eventually(t, func() bool {
		_, out, _ := h.client("read", "0")
		return out == "hello clipboard"
	}, 2*time.Second, 50*time.Millisecond, "copy was never captured")

	_, out, _ := h.client("clipboard")
	assert.Equal(t, "hello clipboard", out)
}

func TestSelectCopiesItemBack(t *testing.T) {
	h := startServer(t)
	backend := h.attachMonitor()

	h.client("add", "one", "two", "three")

	code, _, errOut := h.client("select", "2")
	require.Zero(t, code, errOut)

	require.Eventually(t, func() bool {
		snap, err := backend.Read(message.ModeClipboard, nil)
		return err == nil && snap.Text() == "one"
	}, 2*time.Second, 20*time.Millisecond)

	// The echo moves the item to the front instead of duplicating it.
	require.Eventually(t, func() bool {
		_, out, _ := h.client("read", "0")
		return out == "one"
	}, 2*time.Second, 50*time.Millisecond)
	_, out, _ := h.client("count")
	assert.Equal(t, "3\n", out)
}

func TestDisableStopsCapture(t *testing.T) {
	h := startServer(t)
	h.attachMonitor()

	code, _, _ := h.client("disable")
	require.Zero(t, code)

	code, _, errOut := h.client("copy", "ghost")
	require.Zero(t, code, errOut)

	// The latest-state cache still updates, which proves the change report
	// arrived; the history must stay empty.
	require.Eventually(t, func() bool {
		_, out, _ := h.client("clipboard")
		return out == "ghost"
	}, 2*time.Second, 50*time.Millisecond)
	_, out, _ := h.client("count")
	assert.Equal(t, "0\n", out)

	h.client("enable")
	h.client("copy", "real")
	require.Eventually(t, func() bool {
		_, out, _ := h.client("read", "0")
		return out == "real"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestExitShutsDownServer(t *testing.T) {
	h := startServer(t)

	code, out, _ := h.client("exit")
	require.Zero(t, code)
	assert.Equal(t, "Terminating server.\n", out)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after exit")
	}
}

func TestEmptyCommandIsSyntaxError(t *testing.T) {
	h := startServer(t)

	code, _, errOut := h.client()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Commands:")
}

func quietHost(settings message.Settings) *monitorHost {
	return newMonitorHost("", nil,
		func() message.Settings { return settings },
		func(message.Snapshot) {},
		slog.Default(),
	)
}

func TestHostDropsMonitorThatStopsAnswering(t *testing.T) {
	ln, err := ipc.Listen(filepath.Join(t.TempDir(), "m.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	host := quietHost(message.Settings{})
	host.pingEvery = 20 * time.Millisecond
	host.pongWait = 20 * time.Millisecond
	host.retries = 2

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go host.run(ctx, ln)

	nc, err := ipc.Dial(ln.Addr().String())
	require.NoError(t, err)
	mc := wire.New(nc)
	t.Cleanup(func() { _ = mc.Close() })

	// Swallow everything, never answer a ping.
	pings := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-mc.Events():
			if !ok || ev.Kind != wire.EventMessage {
				require.GreaterOrEqual(t, pings, 2, "dropped before exhausting retries")
				return
			}
			if ev.Frame.Code == message.MonitorPing {
				pings++
			}
		case <-deadline:
			t.Fatal("host never dropped the silent monitor")
		}
	}
}

func TestHostKeepsResponsiveMonitor(t *testing.T) {
	ln, err := ipc.Listen(filepath.Join(t.TempDir(), "m.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	host := quietHost(message.Settings{"formats": []string{message.FormatText}})
	host.pingEvery = 20 * time.Millisecond
	host.pongWait = 100 * time.Millisecond
	host.retries = 2

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go host.run(ctx, ln)

	nc, err := ipc.Dial(ln.Addr().String())
	require.NoError(t, err)
	mc := wire.New(nc)
	t.Cleanup(func() { _ = mc.Close() })

	gotSettings := false
	answered := 0
	deadline := time.After(2 * time.Second)
	for answered < 4 {
		select {
		case ev, ok := <-mc.Events():
			require.True(t, ok, "host dropped a responsive monitor")
			require.Equal(t, wire.EventMessage, ev.Kind)
			switch ev.Frame.Code {
			case message.MonitorSettings:
				gotSettings = true
			case message.MonitorPing:
				require.NoError(t, mc.Send(message.MonitorPong, nil))
				answered++
			}
		case <-deadline:
			t.Fatalf("answered only %d pings before the deadline", answered)
		}
	}
	assert.True(t, gotSettings, "host should push settings on attach")
	assert.True(t, host.connected())
}
