package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/framelink/internal/api"
	"github.com/bryanchriswhite/framelink/internal/config"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/metrics"
	"github.com/bryanchriswhite/framelink/internal/streams"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the framelink server",
	Long: `Start the framelink HTTP server over the simulated device rack.

The server provides a REST API to open and close output and input streams,
a WebSocket feed of stream events, an MJPEG preview per stream and
Prometheus metrics. The config file is watched; log level changes apply
immediately, stream parameters apply to streams opened afterwards.`,
	Example: `  # Start server on default port (8080)
  framelink serve

  # Start server on custom port
  framelink serve --port 9090

  # Start with specific config file
  framelink serve --config /path/to/config.yaml

  # Start with debug logging
  framelink serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	log.Info().Str("path", configMgr.GetConfigPath()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	devices := simDevices(cfg.Simulator, true)
	streamMgr := streams.NewManager(devices, metrics.New())
	defer streamMgr.Shutdown()
	log.Info().Int("devices", devices.Count()).Float64("speed", cfg.Simulator.Speed).Msg("Simulated devices ready")

	server := api.NewServer(streamMgr, configMgr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := server.Run(ctx, cfg.ServerPort)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return configMgr.Watch(ctx, func(c config.Config) {
			// A --log-level flag wins over the file for this run.
			if cmd.Flags().Changed("log-level") {
				return
			}
			logger.SetLevel(c.LogLevel)
			log.Info().Str("log_level", c.LogLevel).Msg("Log level applied")
		})
	})

	log.Info().
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("framelink is running, press Ctrl+C to stop")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shutting down gracefully")
	return nil
}
