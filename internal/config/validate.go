package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/input"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/output"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	check := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	if !logger.ValidLevel(c.LogLevel) {
		fail("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		fail("server_port %d out of range", c.ServerPort)
	}

	o := c.Output
	_, err := o.Build()
	check(err)
	if o.Audio.SampleRate != 48000 {
		fail("output.audio.sample_rate %d: only 48000 is supported", o.Audio.SampleRate)
	}
	switch o.Audio.Channels {
	case 2, 8, 16:
	default:
		fail("output.audio.channels %d: must be 2, 8 or 16", o.Audio.Channels)
	}
	if o.Preroll < 0 {
		fail("output.preroll %d is negative", o.Preroll)
	}
	if o.MaxBuffered < 1 {
		fail("output.max_buffered must be at least 1")
	}
	if o.PoolSize < 1 {
		fail("output.pool_size must be at least 1")
	}
	if o.CompletionTimeout <= 0 {
		fail("output.completion_timeout must be positive")
	}
	if o.StopTimeout <= 0 {
		fail("output.stop_timeout must be positive")
	}
	if o.CopyWorkers < 0 {
		fail("output.copy_workers %d is negative", o.CopyWorkers)
	}

	_, err = c.Input.Build()
	check(err)

	if c.Simulator.Devices < 1 {
		fail("simulator.devices must be at least 1")
	}
	if c.Simulator.Speed <= 0 {
		fail("simulator.speed must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Build resolves the names into an output stream configuration.
func (o OutputConfig) Build() (output.Config, error) {
	mode, err := device.LookupMode(o.DisplayMode)
	if err != nil {
		return output.Config{}, fmt.Errorf("output.display_mode: %w", err)
	}
	format, err := pixelformat.Parse(o.PixelFormat)
	if err != nil {
		return output.Config{}, fmt.Errorf("output.pixel_format: %w", err)
	}
	cs, err := hdr.ParseColorSpace(o.ColorSpace)
	if err != nil {
		return output.Config{}, fmt.Errorf("output.color_space: %w", err)
	}
	eotf, err := hdr.ParseEOTF(o.EOTF)
	if err != nil {
		return output.Config{}, fmt.Errorf("output.eotf: %w", err)
	}
	playback, err := output.ParsePlaybackMode(o.Mode)
	if err != nil {
		return output.Config{}, fmt.Errorf("output.mode: %w", err)
	}
	keying, err := output.ParseKeyingMode(o.Keying)
	if err != nil {
		return output.Config{}, fmt.Errorf("output.keying: %w", err)
	}
	link, err := output.ParseLinkMode(o.LinkMode)
	if err != nil {
		return output.Config{}, fmt.Errorf("output.link_mode: %w", err)
	}

	preroll := o.Preroll
	if preroll == 0 {
		preroll = output.NoPreroll
	}

	return output.Config{
		DeviceIndex: o.DeviceIndex,
		Mode:        mode,
		PixelFormat: format,
		ColorSpace:  cs,
		EOTF:        eotf,
		Playback:    playback,
		Preroll:     preroll,
		PoolSize:    o.PoolSize,
		MaxBuffered: o.MaxBuffered,
		GPUDirect:   o.GPUDirect,
		Keying:      keying,
		LinkMode:    link,
		Audio: output.AudioConfig{
			Enabled:    o.Audio.Enabled,
			Channels:   o.Audio.Channels,
			SampleRate: o.Audio.SampleRate,
		},
		CompletionTimeout: o.CompletionTimeout.Std(),
		StopTimeout:       o.StopTimeout.Std(),
		CopyWorkers:       o.CopyWorkers,
	}, nil
}

// Build resolves the names into an input stream configuration.
func (i InputConfig) Build() (input.Config, error) {
	format, err := pixelformat.Parse(i.PixelFormat)
	if err != nil {
		return input.Config{}, fmt.Errorf("input.pixel_format: %w", err)
	}
	return input.Config{
		DeviceIndex: i.DeviceIndex,
		PixelFormat: format,
		Passthrough: i.Passthrough,
	}, nil
}
