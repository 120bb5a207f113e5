package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
	"github.com/bryanchriswhite/AcqBridge/internal/api"
	"github.com/bryanchriswhite/AcqBridge/internal/capture"
	"github.com/bryanchriswhite/AcqBridge/internal/config"
	"github.com/bryanchriswhite/AcqBridge/internal/frame"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
	"github.com/bryanchriswhite/AcqBridge/internal/output"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Run an acquisition",
	Long: `Run an acquisition with the synthetic engine.

The event port is printed on stdout as soon as the acquisition is running;
a controller uses it to submit events, query status, receive notifications
and abort. With --frames 0 the engine produces one frame per submitted
event until the controller finishes the acquisition.
Frames are stored only when both a data location and a name are set.`,
	Example: `  # Run with the configured settings
  acqbridge acquire

  # Store 100 frames under /data/run and show the live viewer
  acqbridge acquire --data-location /data --name run --frames 100 --viewer

  # Wait for events from a controller, on a fixed port
  acqbridge acquire --frames 0 --port 4827`,
	RunE: runAcquire,
}

func init() {
	rootCmd.AddCommand(acquireCmd)

	flags := acquireCmd.Flags()
	flags.String("host", "", "address the event source binds to")
	flags.Int("port", 0, "event source port (0 picks a free port)")
	flags.String("data-location", "", "directory datasets are written to")
	flags.String("name", "", "dataset name")
	flags.Bool("viewer", false, "serve a live viewer")
	flags.Int("frames", 0, "number of time points (0 waits for controller events)")
	flags.Int("width", 0, "frame width")
	flags.Int("height", 0, "frame height")
	flags.Int("bit-depth", 0, "bits per sample (8 or 16)")
	flags.Int("interval-ms", 0, "time between frames")

	viper.BindPFlag("server_host", flags.Lookup("host"))
	viper.BindPFlag("server_port", flags.Lookup("port"))
	viper.BindPFlag("acquisition.data_location", flags.Lookup("data-location"))
	viper.BindPFlag("acquisition.name", flags.Lookup("name"))
	viper.BindPFlag("acquisition.show_viewer", flags.Lookup("viewer"))
	viper.BindPFlag("engine.frames", flags.Lookup("frames"))
	viper.BindPFlag("engine.width", flags.Lookup("width"))
	viper.BindPFlag("engine.height", flags.Lookup("height"))
	viper.BindPFlag("engine.bit_depth", flags.Lookup("bit-depth"))
	viper.BindPFlag("engine.interval_ms", flags.Lookup("interval-ms"))
}

// progressAnnotator logs metadata as the engine produces it
type progressAnnotator struct{}

func (progressAnnotator) OnSummaryMetadata(summary frame.Metadata) {
	logger.WithComponent("acquire").Debug().Interface("summary", summary).Msg("Summary metadata")
}

func (progressAnnotator) OnImageMetadata(tags frame.Metadata) {
	logger.WithComponent("acquire").Debug().Interface("image", tags[frame.TagImageNumber]).Msg("Image metadata")
}

func runAcquire(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("acquire")
	log.Debug().Str("config", configMgr.GetConfigPath()).Msg("Configuration loaded")

	addr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
	source, err := api.NewEventSource(addr)
	if err != nil {
		return err
	}
	defer source.Abort()

	var engine capture.Engine = capture.NewSynthetic(engineConfig(cfg))

	settings := acquisition.Settings{
		DataLocation: cfg.Acquisition.DataLocation,
		Name:         cfg.Acquisition.Name,
		ShowViewer:   cfg.Acquisition.ShowViewer,
	}
	viewerCfg := output.Config{
		JPEGQuality: cfg.Viewer.JPEGQuality,
		Debounce:    cfg.Viewer.Debounce(),
	}

	bridge, err := acquisition.Open(engine, source, settings,
		acquisition.WithAnnotator(progressAnnotator{}),
		acquisition.WithSinkFactory(func(showViewer bool, location, name string) (output.Sink, error) {
			sink, err := output.NewStorageAdapterWithConfig(showViewer, location, name, viewerCfg)
			if err != nil {
				return nil, err
			}
			return sink, nil
		}),
	)
	if err != nil {
		return err
	}

	// The controller reads the port from the first line of stdout
	fmt.Fprintln(cmd.OutOrStdout(), bridge.EventPort())

	log.Info().
		Str("engine", engine.Name()).
		Str("acquisition_id", bridge.ID()).
		Msgf("Acquisition running, controller API at http://%s", net.JoinHostPort(cfg.ServerHost, strconv.Itoa(bridge.EventPort())))
	if bridge.ViewerHandler() != nil {
		log.Info().Msgf("Live viewer at http://%s/viewer", net.JoinHostPort(cfg.ServerHost, strconv.Itoa(bridge.EventPort())))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			log.Info().Msg("Interrupted, aborting acquisition")
			bridge.Abort()
		case <-bridge.Done():
		}
	}()

	err = bridge.Wait(context.Background())
	switch {
	case err == nil:
		log.Info().Msg("Acquisition complete")
		return nil
	case errors.Is(err, acquisition.ErrAborted):
		log.Info().Msg("Acquisition aborted")
		return nil
	default:
		return fmt.Errorf("acquisition failed: %w", err)
	}
}

func engineConfig(cfg *config.Config) capture.Config {
	return capture.Config{
		Frames:   cfg.Engine.Frames,
		Width:    cfg.Engine.Width,
		Height:   cfg.Engine.Height,
		BitDepth: cfg.Engine.BitDepth,
		Interval: cfg.Engine.Interval(),
		Prefix:   cfg.Acquisition.Name,
	}
}
