// Command messenger is a terminal client for the messenger core. It runs
// against Supabase or, for offline use, a seeded in-memory backend.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	backend    string
	jsonOutput bool

	// logOut receives structured logs. Defaults to stderr.
	logOut io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{logOut: os.Stderr}

	root := &cobra.Command{
		Use:   "messenger",
		Short: "Messenger client",
		Long: `Messenger is a terminal client for chats backed by Supabase.

Configuration is read from the platform config directory
(messenger/config.toml) unless --config is given. Values may reference
environment variables (${VAR}) or secrets (secretref:env:NAME,
secretref:file:path).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&opts.backend, "backend", "", "backend override: memory or supabase")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print JSON")

	root.AddCommand(
		newWhoamiCmd(opts),
		newProfileCmd(opts),
		newChatsCmd(opts),
		newMessagesCmd(opts),
		newSendCmd(opts),
		newWatchCmd(opts),
		newHealthCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
