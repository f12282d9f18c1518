// Package client implements the one-shot command session a clipstash CLI
// invocation runs against the server: send one command, stream stdin
// alongside it when piped, print whatever comes back, exit with the reply
// code.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"go.klb.dev/clipstash/internal/ipc"
	"go.klb.dev/clipstash/internal/message"
	"go.klb.dev/clipstash/internal/wire"
)

const (
	defaultDialTimeout = time.Second
	dialRetryDelay     = 100 * time.Millisecond
	waitInterval       = 2 * time.Second
	inputChunkSize     = 32 * 1024
	inputJoinTimeout   = 2 * time.Second
)

// Options configures one command round trip.
type Options struct {
	SocketPath string
	Args       []string

	// Stdin non-nil streams input frames alongside the command until EOF.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// DialTimeout bounds how long to keep retrying the initial connect, to
	// ride out a server that is still starting up.
	DialTimeout time.Duration
}

// Run executes one command against the server and returns the process exit
// status: the terminal reply's code, or ExitNoReply/ExitNoServer when no
// terminal reply ever arrived.
func Run(ctx context.Context, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	nc, err := dialRetry(ctx, opts.SocketPath, opts.DialTimeout)
	if err != nil {
		fmt.Fprintln(opts.Stderr, "clipstash: cannot connect to server (is one running?)")
		return message.ExitNoServer
	}
	conn := wire.New(nc)
	defer conn.Close()

	payload, err := message.EncodeCommand(opts.Args)
	if err != nil {
		fmt.Fprintln(opts.Stderr, "clipstash:", err)
		return int(message.CmdError)
	}
	if err := conn.Send(message.CmdCommand, payload); err != nil {
		fmt.Fprintln(opts.Stderr, "clipstash: cannot talk to server:", err)
		return message.ExitNoServer
	}

	inputDone := make(chan struct{})
	if opts.Stdin != nil {
		go streamInput(ctx, conn, opts.Stdin, inputDone)
	} else {
		close(inputDone)
		if err := conn.Send(message.CmdInputEOF, nil); err != nil {
			slog.Debug("input EOF send failed", "err", err)
		}
	}
	defer func() {
		select {
		case <-inputDone:
		case <-time.After(inputJoinTimeout):
			slog.Debug("abandoning stdin reader")
		}
	}()

	for {
		ev, ok := conn.WaitEvent(waitInterval)
		if !ok {
			if ctx.Err() != nil {
				fmt.Fprintln(opts.Stderr, "clipstash: cancelled")
				return message.ExitNoReply
			}
			continue
		}
		switch ev.Kind {
		case wire.EventMessage:
			switch f := ev.Frame; f.Code {
			case message.CmdPrint:
				_, _ = opts.Stdout.Write(f.Data)
			case message.CmdFinished:
				_, _ = opts.Stdout.Write(f.Data)
				return 0
			default:
				if f.Code > 0 {
					writeErrLine(opts.Stderr, f.Data)
					return int(f.Code)
				}
				slog.Error("unhandled message code", "code", f.Code)
			}
		case wire.EventDisconnected:
			fmt.Fprintln(opts.Stderr, "clipstash: connection lost before the server replied")
			return message.ExitNoReply
		case wire.EventConnectFailed:
			fmt.Fprintln(opts.Stderr, "clipstash: server refused the connection")
			return message.ExitNoServer
		}
	}
}

// dialRetry keeps dialing until the deadline passes, so clients started
// right after the server still get through.
func dialRetry(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		nc, err := ipc.Dial(path)
		if err == nil {
			return nc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		slog.Debug("server not ready, retrying", "err", err)
		time.Sleep(dialRetryDelay)
	}
}

// streamInput forwards r to the server in chunks, finishing with an EOF
// frame. It runs alongside the reply wait so a slow pipe cannot deadlock
// either side.
func streamInput(ctx context.Context, conn *wire.Conn, r io.Reader, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, inputChunkSize)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			if serr := conn.Send(message.CmdInput, buf[:n]); serr != nil {
				slog.Debug("input send failed", "err", serr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("stdin read failed", "err", err)
			}
			break
		}
	}
	if err := conn.Send(message.CmdInputEOF, nil); err != nil {
		slog.Debug("input EOF send failed", "err", err)
	}
}

func writeErrLine(w io.Writer, b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = w.Write(b)
	if b[len(b)-1] != '\n' {
		_, _ = io.WriteString(w, "\n")
	}
}
