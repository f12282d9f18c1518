package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipstash/internal/client"
	"go.klb.dev/clipstash/internal/ipc"
	"go.klb.dev/clipstash/internal/logging"
)

// wireClientPassthrough makes the root command forward anything that is not
// a builtin subcommand to the server, so "clipstash add x" works like a
// local CLI. Flag parsing stops at the first non-flag argument; everything
// after it belongs to the server command verbatim.
func wireClientPassthrough(root *cobra.Command) {
	v := viper.New()
	root.PreRunE = func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) }
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runClient(cmd.Context(), v, args)
	}

	f := root.Flags()
	f.SetInterspersed(false)
	f.String("session", "", "session name (own server, history and sockets)")
	addConfigFlag(root)
}

func runClient(parent context.Context, v *viper.Viper, args []string) error {
	session := v.GetString("session")
	if err := ipc.ValidateSession(session); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := client.Run(ctx, client.Options{
		SocketPath: ipc.SocketPath(session),
		Args:       args,
		Stdin:      clientStdin(),
	})
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// clientStdin returns stdin when data is piped in, nil on a terminal.
// A terminal stdin would otherwise make every command block waiting for EOF.
func clientStdin() io.Reader {
	if logging.IsTTY(os.Stdin) {
		return nil
	}
	return os.Stdin
}
