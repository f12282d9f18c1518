package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstash/internal/clip"
	"go.klb.dev/clipstash/internal/ipc"
	"go.klb.dev/clipstash/internal/monitor"
	"go.klb.dev/clipstash/internal/wire"
)

// How long the monitor keeps trying to reach a server that is still
// starting up before giving up.
const monitorDialWindow = 5 * time.Second

func newMonitorCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:    "monitor",
		Short:  "Run the clipboard monitor (started by the server)",
		Hidden: true,
		Args:   cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runMonitor(cmd.Context(), v) },
	}

	f := cmd.Flags()
	f.String("session", "", "session name (own server, history and sockets)")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runMonitor(parent context.Context, v *viper.Viper) error {
	setupLogging(v)

	session := v.GetString("session")
	if err := ipc.ValidateSession(session); err != nil {
		return err
	}
	path := ipc.MonitorSocketPath(session)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := dialMonitorSocket(ctx, path)
	if err != nil {
		return fmt.Errorf("connect %s: %w", path, err)
	}

	backend := clip.New()
	defer backend.Close()

	slog.Info("clipboard monitor starting",
		"version", Version,
		"socket", path,
		"backend", backend.Name(),
	)
	err = monitor.New(wire.New(nc), backend).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func dialMonitorSocket(ctx context.Context, path string) (net.Conn, error) {
	deadline := time.Now().Add(monitorDialWindow)
	for {
		nc, err := ipc.Dial(path)
		if err == nil {
			return nc, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
