// Package main is the entry point for the idrac-tunnel binary.
//
// idrac-tunnel creates, lists and tears down local-port-forwarding SSH
// tunnels to iDRAC web interfaces through an SSH jump host. Invoked without
// arguments it launches the interactive menu; with subcommands (create,
// list, close, close-all, clean, config, console, events) it runs that
// operation and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rackops/idrac-tunnel/internal/cli"
)

func main() {
	// SIGINT/SIGTERM cancel the command context so in-flight operations can
	// stop at a clean point; ledger compaction goes through temp-file+rename,
	// so an interrupt never leaves partially-written state behind.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
