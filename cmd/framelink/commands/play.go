package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/framelink/internal/handle"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/streams"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play a test pattern to the simulated output",
	Long: `Play color bars with a timecode burn-in to a simulated output card and
print the scheduler counters when done. Frames are paced by the card's
completions, so the run takes about frames / frame rate / speed seconds.`,
	Example: `  # Play 250 frames with the configured output settings
  framelink play

  # Manual scheduling in 1080p50 at 4x speed
  framelink play --mode manual --display-mode 1080p50 --speed 4

  # Play until interrupted
  framelink play --frames 0`,
	RunE: runPlay,
}

var (
	playFrames      int64
	playMode        string
	playDisplayMode string
	playPixelFormat string
	playSpeed       float64
)

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Int64VarP(&playFrames, "frames", "n", 250, "frames to play (0 plays until interrupted)")
	playCmd.Flags().StringVarP(&playMode, "mode", "m", "", "playback mode (async or manual, default from config)")
	playCmd.Flags().StringVarP(&playDisplayMode, "display-mode", "d", "", "display mode name (default from config)")
	playCmd.Flags().StringVarP(&playPixelFormat, "pixel-format", "p", "", "pixel format (default from config)")
	playCmd.Flags().Float64Var(&playSpeed, "speed", 0, "simulated clock speed (default from config)")
}

func runPlay(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if playMode != "" {
		cfg.Output.Mode = playMode
	}
	if playDisplayMode != "" {
		cfg.Output.DisplayMode = playDisplayMode
	}
	if playPixelFormat != "" {
		cfg.Output.PixelFormat = playPixelFormat
	}
	if playSpeed > 0 {
		cfg.Simulator.Speed = playSpeed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	outCfg, err := cfg.Output.Build()
	if err != nil {
		return err
	}

	log := logger.WithComponent("play")
	mgr := streams.NewManager(simDevices(cfg.Simulator, true), nil)
	defer mgr.Shutdown()

	info, err := mgr.OpenOutput(streams.OutputRequest{Config: outCfg, Pattern: true, Frames: playFrames})
	if err != nil {
		return err
	}
	id, err := handle.Parse(info.ID)
	if err != nil {
		return err
	}
	done, err := mgr.PatternDone(id)
	if err != nil {
		return err
	}
	events, cancel, err := mgr.Subscribe(id)
	if err != nil {
		return err
	}
	defer cancel()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var final streams.Info
	g.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
		}
		var err error
		if final, err = mgr.Get(id); err != nil {
			return err
		}
		return mgr.Close(id)
	})
	g.Go(func() error {
		for ev := range events {
			if ev.Type == streams.EventStatus {
				log.Warn().Str("kind", ev.Kind).Int64("frame", ev.Frame).Msg(ev.Message)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printOutputStats(final)
	return nil
}

func printOutputStats(info streams.Info) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "STREAM\tMODE\tPIXEL FORMAT\n")
	fmt.Fprintf(w, "%s\t%s\t%s\n\n", info.ID, info.Mode, info.PixelFormat)
	if info.Output == nil {
		return
	}
	st := info.Output
	fmt.Fprintf(w, "QUEUED\tCOMPLETED\tLATE\tDROPPED\tFLUSHED\tOVERQUEUED\n")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n", st.Queued, st.Completed, st.Late, st.Dropped, st.Flushed, st.Overqueued)
}
