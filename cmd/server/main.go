package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "zephyrmesh",
	Short: "Replicated message-log node with LAN peer discovery",
	Long: `A mesh node that serves a replicated message log over HTTP, discovers
sibling nodes on the network and keeps its store synced with them.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
