package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/handle"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/streams"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture from the simulated input",
	Long: `Capture frames from a simulated input card. Halfway through, the
simulated source switches to another display mode and bit depth so the
format negotiation can be watched. Every detected format is printed.`,
	Example: `  # Capture 100 frames, switching to 1080p50 10-bit halfway
  framelink capture

  # Switch to 2160p25 RGB after 10 frames
  framelink capture --frames 20 --change-at 10 --to 2160p25 --rgb`,
	RunE: runCapture,
}

var (
	captureFrames   int
	captureChangeAt int
	captureTo       string
	captureRGB      bool
)

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().IntVarP(&captureFrames, "frames", "n", 100, "frames to capture")
	captureCmd.Flags().IntVar(&captureChangeAt, "change-at", -1, "frame at which the source changes (default frames/2, negative disables)")
	captureCmd.Flags().StringVar(&captureTo, "to", "1080p50", "display mode the source switches to")
	captureCmd.Flags().BoolVar(&captureRGB, "rgb", false, "the new source carries RGB instead of YCbCr")
}

func runCapture(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	inCfg, err := cfg.Input.Build()
	if err != nil {
		return err
	}
	target, err := device.LookupMode(captureTo)
	if err != nil {
		return err
	}
	changeAt := captureChangeAt
	if !cmd.Flags().Changed("change-at") {
		changeAt = captureFrames / 2
	}

	devices := simDevices(cfg.Simulator, false)
	src, err := devices.SimInput(inCfg.DeviceIndex)
	if err != nil {
		return err
	}
	mgr := streams.NewManager(devices, nil)
	defer mgr.Shutdown()

	info, err := mgr.OpenInput(streams.InputRequest{Config: inCfg})
	if err != nil {
		return err
	}
	id, err := handle.Parse(info.ID)
	if err != nil {
		return err
	}
	events, cancel, err := mgr.Subscribe(id)
	if err != nil {
		return err
	}
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "FRAME\tMODE\tSIZE\tPIXEL FORMAT\tCOLOR SPACE\tMESSAGE\n")
	fmt.Fprintf(w, "0\t%s\t-\t%s\t-\topened\n", info.Mode, info.PixelFormat)

	var g errgroup.Group
	var arrived, lastFrame int64
	var lastTimecode string
	g.Go(func() error {
		for ev := range events {
			switch ev.Type {
			case streams.EventFrameArrived:
				arrived++
				lastFrame, lastTimecode = ev.Frame, ev.Timecode
			case streams.EventFormatChanged:
				d := ev.Format
				fmt.Fprintf(w, "%d\t%s\t%dx%d\t%s\t%s\t%s\n", arrived, d.Name, d.Width, d.Height, d.PixelFormat, d.ColorSpace, ev.Message)
			case streams.EventStatus:
				fmt.Fprintf(w, "%d\t-\t-\t-\t-\t%s: %s\n", arrived, ev.Kind, ev.Message)
			}
		}
		return nil
	})
	g.Go(func() error {
		defer mgr.Close(id)
		depth := pixelformat.Depth10
		for i := 0; i < captureFrames; i++ {
			if i == changeAt {
				if err := src.ChangeSignal(target, device.DetectedSignal{RGB: captureRGB, Depth: depth}); err != nil {
					return fmt.Errorf("format change: %w", err)
				}
			}
			if err := src.Deliver(); err != nil && !errors.Is(err, device.ErrFrameRejected) {
				return fmt.Errorf("frame %d: %w", i, err)
			}
		}
		return nil
	})
	err = g.Wait()
	w.Flush()
	if err != nil {
		return err
	}

	fmt.Printf("\n%d frames captured, last frame %d at %s\n", arrived, lastFrame, lastTimecode)
	return nil
}
