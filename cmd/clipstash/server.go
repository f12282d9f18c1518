package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstash/internal/history"
	"go.klb.dev/clipstash/internal/ipc"
	"go.klb.dev/clipstash/internal/message"
	"go.klb.dev/clipstash/internal/server"
)

func newServerCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the clipboard history server",
		Long: `Starts the clipstash server for a session. It spawns the clipboard
monitor process, records clipboard changes into the history database, and
answers every other clipstash invocation over the session's local socket.

Config file search order:
  /etc/clipstash/clipstash.toml
  $HOME/.config/clipstash/clipstash.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → CLIPSTASH_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runServer(cmd.Context(), v) },
	}

	f := cmd.Flags()
	f.String("session", "", "session name (own server, history and sockets)")
	f.Int("max-items", history.DefaultMaxItems, "most items to keep in history")
	f.StringSlice("formats", []string{message.FormatText, message.FormatHTML, message.FormatImage},
		"clipboard formats to capture, in preference order")
	f.Int("poll-interval-ms", 0, "clipboard poll interval override (0 = backend default)")
	f.Bool("no-monitor", false, "do not spawn the clipboard monitor process")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runServer(parent context.Context, v *viper.Viper) error {
	setupLogging(v)

	session := v.GetString("session")
	if err := ipc.ValidateSession(session); err != nil {
		return err
	}

	// One server per session. The lock file outlives crashes, flock does not.
	lock := flock.New(ipc.LockPath(session))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("a clipstash server for this session is already running")
	}
	defer func() { _ = lock.Unlock() }()

	dataDir, err := ipc.DataDir(session)
	if err != nil {
		return err
	}
	store, err := history.Open(filepath.Join(dataDir, "history.db"), v.GetInt("max-items"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = store.Close() }()

	exePath := ""
	if !v.GetBool("no-monitor") {
		exePath, err = os.Executable()
		if err != nil {
			slog.Warn("cannot locate own binary, not spawning a monitor", "err", err)
			exePath = ""
		}
	}

	srv := server.New(server.Config{
		Session:       session,
		SocketPath:    ipc.SocketPath(session),
		MonitorSocket: ipc.MonitorSocketPath(session),
		Version:       Version,
		Settings:      buildSettings(v),
		ExePath:       exePath,
		MonitorArgs:   monitorArgs(v),
	}, store)

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(fsnotify.Event) {
			slog.Info("config file changed, reapplying settings")
			srv.ApplySettings(buildSettings(v))
		})
		v.WatchConfig()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("clipstash server starting", "version", Version)
	return srv.Run(ctx)
}

// buildSettings assembles the option set pushed to the monitor.
func buildSettings(v *viper.Viper) message.Settings {
	settings := message.Settings{
		"formats":   v.GetStringSlice("formats"),
		"max_items": v.GetInt("max-items"),
	}
	if ms := v.GetInt("poll-interval-ms"); ms > 0 {
		settings["poll_interval_ms"] = ms
	}
	return settings
}

// monitorArgs carries session and logging choices over to the spawned
// monitor process.
func monitorArgs(v *viper.Viper) []string {
	var args []string
	if session := v.GetString("session"); session != "" {
		args = append(args, "--session", session)
	}
	if level := v.GetString("log-level"); level != "" {
		args = append(args, "--log-level", level)
	}
	if format := v.GetString("log-format"); format != "" && format != "auto" {
		args = append(args, "--log-format", format)
	}
	return args
}
