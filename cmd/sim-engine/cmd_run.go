package main

import (
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/simkernel/kernel"
	"github.com/nmxmxh/simkernel/kernel/config"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment",
		Long: `Run the experiment in --manifest, or the one the orchestrator at
--orchestrator-url sends when no manifest is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			manifestPath, _ := cmd.Flags().GetString("manifest")

			cfg, err := config.LoadEngineConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			level, err := utils.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := utils.NewLogger(utils.LoggerConfig{Level: level, Component: "engine", Colorize: true})
			utils.SetGlobalLogger(logger)

			opts := []kernel.Option{kernel.WithLogger(logger)}
			if manifestPath != "" {
				manifest, err := config.LoadManifest(manifestPath)
				if err != nil {
					return err
				}
				opts = append(opts, kernel.WithManifest(manifest))
			}
			engine, err := kernel.NewEngine(cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			if err := engine.Run(ctx); err != nil {
				return fmt.Errorf("engine: %w", err)
			}
			results := engine.Results()
			utils.Info("experiment finished", utils.Int("runs", len(results)), utils.Duration("uptime", engine.Uptime()))
			for _, res := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "simulation %s: %d steps, %d agents\n",
					res.SimID, res.Steps, len(res.FinalState))
			}
			return nil
		},
	}
	cmd.Flags().String("manifest", "", "experiment manifest to run locally")
	config.RegisterFlags(cmd.Flags())
	return cmd
}
