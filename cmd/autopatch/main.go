package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=..." at release time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "autopatch",
	Short: "autopatch - self-updating agent",
	Long: `autopatch manages a source tree that updates itself: it fetches candidate
changes, validates them, snapshots the tree, applies them and rolls back when
the result does not come up healthy.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.autopatch/config.yaml)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
