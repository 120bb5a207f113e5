package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/AcqBridge/internal/config"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "acqbridge",
		Short: "AcqBridge - remote-controlled image acquisition",
		Long: `AcqBridge runs an image acquisition that an external controller drives
over a local port.

Features:
  • Event port handshake for the controlling process
  • Remote abort over HTTP or websocket
  • Lifecycle notifications pushed to controllers
  • TIFF storage with per-frame metadata
  • Live MJPEG viewer with debounced metadata display
  • Persistent configuration`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogging()
		},
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/acqbridge/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable log output")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
}

// initLogging configures the logger from flags, falling back to the config
// file when it can be read. The file is never created here.
func initLogging() {
	level := "info"
	pretty := false
	if cfg, err := config.Load(cfgFile); err == nil {
		level = cfg.LogLevel
		pretty = cfg.LogPretty
	}
	if viper.IsSet("log_level") && viper.GetString("log_level") != "" {
		level = viper.GetString("log_level")
	}
	if viper.IsSet("log_pretty") {
		pretty = viper.GetBool("log_pretty")
	}
	logger.Init(level, pretty)
}

// loadConfig reads the config file and applies flag overrides without
// saving them.
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	if viper.IsSet("server_host") {
		cfg.ServerHost = viper.GetString("server_host")
	}
	if viper.IsSet("server_port") {
		cfg.ServerPort = viper.GetInt("server_port")
	}
	if viper.IsSet("acquisition.data_location") {
		cfg.Acquisition.DataLocation = viper.GetString("acquisition.data_location")
	}
	if viper.IsSet("acquisition.name") {
		cfg.Acquisition.Name = viper.GetString("acquisition.name")
	}
	if viper.IsSet("acquisition.show_viewer") {
		cfg.Acquisition.ShowViewer = viper.GetBool("acquisition.show_viewer")
	}
	if viper.IsSet("engine.frames") {
		cfg.Engine.Frames = viper.GetInt("engine.frames")
	}
	if viper.IsSet("engine.width") {
		cfg.Engine.Width = viper.GetInt("engine.width")
	}
	if viper.IsSet("engine.height") {
		cfg.Engine.Height = viper.GetInt("engine.height")
	}
	if viper.IsSet("engine.bit_depth") {
		cfg.Engine.BitDepth = viper.GetInt("engine.bit_depth")
	}
	if viper.IsSet("engine.interval_ms") {
		cfg.Engine.IntervalMs = viper.GetInt("engine.interval_ms")
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return configMgr, cfg, nil
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
