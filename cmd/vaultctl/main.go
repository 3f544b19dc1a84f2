// Command vaultctl performs maintenance on a designvault data tree. It goes
// through the same record store as the server, so edits are serialized,
// verified and stamped the same way.
//
// Usage:
//
//	vaultctl show ./data/acme/logo
//	vaultctl status ./data/acme/logo completed
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/designvault/internal/pathlock"
	"github.com/p-blackswan/designvault/internal/record"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "vaultctl - maintenance for designvault README records",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log record store activity to stderr")

	records := func() *record.Store {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
		return record.New(pathlock.New(), logger)
	}

	rootCmd.AddCommand(showCmd(records))
	rootCmd.AddCommand(statusCmd(records))
	rootCmd.AddCommand(nextIDCmd(records))
	rootCmd.AddCommand(describeCmd(records))
	rootCmd.AddCommand(tagCmd(records))
	rootCmd.AddCommand(ensureCmd(records))
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(auditCmd())

	return rootCmd
}
