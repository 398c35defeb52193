package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/simkernel/kernel/config"
	"github.com/nmxmxh/simkernel/kernel/status"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an experiment to engines and print their statuses",
		Long: `serve is a minimal orchestrator: every engine connecting to it
receives --manifest and its status messages are logged. Point an engine
at it with 'sim-engine run --orchestrator-url ws://<addr>/'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			manifestPath, _ := cmd.Flags().GetString("manifest")
			once, _ := cmd.Flags().GetBool("once")
			levelName, _ := cmd.Flags().GetString("log-level")

			level, err := utils.ParseLevel(levelName)
			if err != nil {
				return err
			}
			logger := utils.NewLogger(utils.LoggerConfig{Level: level, Component: "orchestrator", Colorize: true})
			utils.SetGlobalLogger(logger)

			manifest, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			payload, err := manifest.Bytes()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			sink := status.LogSender{Logger: logger.Named("status")}
			handle := func(s status.Status) {
				_ = sink.Send(s)
				if once && (s.Kind == status.KindExit || s.Kind == status.KindProcessError) {
					cancel()
				}
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			srv := &http.Server{
				Handler:           status.NewServer(payload, handle, logger.Named("server")),
				ReadHeaderTimeout: 5 * time.Second,
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on ws://%s/\n", manifest.Name, ln.Addr())

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			utils.Info("orchestrator shutting down")
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:7341", "listen address")
	cmd.Flags().String("manifest", "", "experiment manifest to hand out")
	cmd.Flags().Bool("once", false, "stop after the first engine exits")
	cmd.Flags().String("log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}
