// clipstash: clipboard history over a local socket.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "clipstash [command [argument...]]",
		Short: "Clipboard history manager",
		Long: `clipstash keeps a searchable history of everything you copy.

Run "clipstash server" once per session; it stores clipboard changes and
serves every other invocation. Any non-builtin command is forwarded to the
server over its local socket and behaves like a normal CLI tool:

  clipstash add "some text"     add an item without touching the clipboard
  clipstash list                show the history
  clipstash read 3              print an item
  clipstash select 3            copy an item back to the clipboard
  echo -n hi | clipstash copy   set the clipboard from stdin

Use --session to keep several independent histories, each with its own
server and socket. Run "clipstash help" after starting a server for the
full command list.

Config file search order (first found wins):
  /etc/clipstash/clipstash.toml
  $HOME/.config/clipstash/clipstash.toml
  path supplied via --config

All flags can be set via CLIPSTASH_<FLAG> env vars or config-file keys.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
	}
	wireClientPassthrough(root)

	root.AddCommand(
		newServerCmd(),
		newMonitorCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("clipstash %s\n", Version)
		},
	}
}
