package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/framelink/internal/config"
	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/streams"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framelink",
		Short: "framelink - scheduled video output and capture for DeckLink-style cards",
		Long: `framelink drives professional video I/O cards: it schedules frames for
output on the hardware clock and negotiates the format of incoming signals.

Features:
  • Async and manual scheduled playback with preroll
  • Input format detection and pixel format negotiation
  • SMPTE timecode, HDR metadata and embedded audio
  • Test pattern generator with timecode burn-in
  • REST API, WebSocket event feed and MJPEG preview
  • Prometheus metrics`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framelink/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human readable console logs")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file and applies the command line overrides
// for this run only. The logger is initialized from the result.
func loadConfig() (*config.Manager, config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	if port := viper.GetInt("server_port"); port > 0 {
		cfg.ServerPort = port
	}
	if level := viper.GetString("log_level"); level != "" {
		if !logger.ValidLevel(level) {
			return nil, cfg, fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", level)
		}
		cfg.LogLevel = level
	}
	if viper.GetBool("log_pretty") {
		cfg.LogPretty = true
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, cfg, nil
}

// simDevices builds the simulated card rack described by the config.
func simDevices(cfg config.SimulatorConfig, realtime bool) *streams.SimDevices {
	return streams.NewSimDevices(streams.SimOptions{
		Count:     cfg.Devices,
		Realtime:  realtime,
		Speed:     cfg.Speed,
		GPU:       cfg.GPU,
		Keyer:     cfg.Keyer,
		LinkModes: []device.LinkMode{device.LinkDual, device.LinkQuad},
	})
}
