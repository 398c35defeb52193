package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sim-engine",
		Short: "Agent-based simulation engine",
		Long: `sim-engine runs the simulation runs of an experiment on a pool of
language runners and reports progress to an orchestrator.

Without an orchestrator, 'sim-engine run --manifest' runs an experiment
locally and logs every status message.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "engine config file (yaml, json or toml)")

	rootCmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
