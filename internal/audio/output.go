package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/logger"
)

const (
	// SampleRate is the only rate the hardware path supports.
	SampleRate = 48000
	// BufferedLevel is the number of sample frames kept queued in hardware.
	BufferedLevel = 24000
)

// Startup failures.
var (
	ErrUnsupportedSampleRate = errors.New("unsupported audio sample rate")
	ErrUnsupportedChannels   = errors.New("unsupported audio channel count")
	ErrUnavailable           = errors.New("audio hardware not available")
	ErrOpen                  = errors.New("cannot open audio output")
	ErrPreroll               = errors.New("cannot preroll audio")
)

// Config describes the audio stream.
type Config struct {
	SampleRate int
	Channels   int
	// Preroll is the number of video frames of silence queued before
	// playback starts.
	Preroll int
}

// Output drives a device's audio pull callback from a host sample queue.
type Output struct {
	dev      device.AudioOutput
	queue    Queue
	channels int
	log      zerolog.Logger

	renderMu   sync.Mutex
	streamTime int64

	prerolling atomic.Bool
	started    atomic.Bool
}

// NewOutput binds an audio output to a device.
func NewOutput(dev device.AudioOutput, log zerolog.Logger) *Output {
	return &Output{dev: dev, log: log}
}

// Start validates the configuration, queues preroll silence sized to the
// video frame rate and enables the hardware in preroll.
func (o *Output) Start(cfg Config, frameDuration, timeScale int64) error {
	if cfg.SampleRate != SampleRate {
		return device.NewConfigError(device.ConfigurationInvalid, ErrUnsupportedSampleRate,
			fmt.Sprintf("Blackmagic audio output only supports 48kHz. Received %d", cfg.SampleRate))
	}
	o.channels = cfg.Channels

	if err := o.dev.DisableAudioOutput(); err != nil && !errors.Is(err, device.ErrNotEnabled) {
		o.log.Debug().Err(err).Msg("Disabling audio output before start")
	}
	o.dev.SetAudioCallback(o)

	if timeScale > 0 && cfg.Channels > 0 {
		perFrame := int(float64(frameDuration)/float64(timeScale)*SampleRate) * cfg.Channels
		silence := make([]int32, perFrame)
		for i := 0; i < cfg.Preroll; i++ {
			o.queue.FeedInt32(silence)
		}
	}

	if err := o.dev.EnableAudioOutput(SampleRate, cfg.Channels); err != nil {
		o.dev.SetAudioCallback(nil)
		o.queue.Clear()
		switch {
		case errors.Is(err, device.ErrInvalidArgument):
			return device.NewConfigError(device.ConfigurationInvalid, ErrUnsupportedChannels,
				fmt.Sprintf("Unsupported audio channel count: %d", cfg.Channels))
		case errors.Is(err, device.ErrAccessDenied):
			return device.NewConfigError(device.DeviceAlreadyUsed, ErrUnavailable, "Audio hardware not available.")
		default:
			return device.NewConfigError(device.ConfigurationInvalid, fmt.Errorf("%w: %v", ErrOpen, err), "Can't open audio output.")
		}
	}

	if err := o.dev.BeginAudioPreroll(); err != nil {
		_ = o.dev.DisableAudioOutput()
		o.dev.SetAudioCallback(nil)
		o.queue.Clear()
		return device.NewConfigError(device.ConfigurationInvalid, fmt.Errorf("%w: %v", ErrPreroll, err), "Can't preroll audio.")
	}
	o.prerolling.Store(true)
	o.started.Store(true)
	o.log.Debug().Int("channels", cfg.Channels).Int("preroll", cfg.Preroll).Msg("Audio output started")
	return nil
}

// EndPreroll leaves preroll if it is still active.
func (o *Output) EndPreroll() error {
	if !o.prerolling.CompareAndSwap(true, false) {
		return nil
	}
	return o.dev.EndAudioPreroll()
}

// Prerolling reports whether the hardware is still in audio preroll.
func (o *Output) Prerolling() bool {
	return o.prerolling.Load()
}

// Feed queues interleaved float samples. A trailing partial sample frame
// is dropped.
func (o *Output) Feed(samples []float32) {
	if o.channels > 0 {
		if extra := len(samples) % o.channels; extra != 0 {
			o.log.Debug().
				Int("samples", len(samples)).
				Int("channels", o.channels).
				Msg("Dropping partial audio sample frame")
			samples = samples[:len(samples)-extra]
		}
	}
	o.queue.FeedFloat(samples)
}

// Pending is the number of host samples not yet handed to the hardware.
func (o *Output) Pending() int {
	return o.queue.Pending()
}

// StreamTime is the position, in sample frames, of the next scheduled
// sample.
func (o *Output) StreamTime() int64 {
	o.renderMu.Lock()
	defer o.renderMu.Unlock()
	return o.streamTime
}

// RenderAudioSamples tops the hardware buffer up to BufferedLevel.
func (o *Output) RenderAudioSamples(preroll bool) {
	o.renderMu.Lock()
	defer o.renderMu.Unlock()

	buffered, err := o.dev.BufferedAudioSampleFrameCount()
	if err != nil {
		o.log.Debug().Err(err).Msg("Reading buffered audio level")
		return
	}
	if buffered > BufferedLevel {
		if o.prerolling.Load() {
			if err := o.EndPreroll(); err != nil {
				o.log.Error().Err(err).Msg("Failed to end audio preroll")
			}
		}
		return
	}

	needed := BufferedLevel - buffered
	provided := 0
	for provided < needed {
		c, ok := o.queue.PopFront()
		if !ok {
			break
		}
		frames := c.SampleCount() / o.channels
		if frames == 0 {
			o.queue.Recycle(c)
			continue
		}
		written, err := o.dev.ScheduleAudioSamples(c.Samples(), frames, o.streamTime+int64(provided), SampleRate)
		if err != nil {
			o.queue.PushFront(c)
			o.log.Debug().Err(err).Msg("Audio samples not scheduled")
			break
		}
		provided += written

		if written*o.channels < c.SampleCount() {
			c.Consume(written * o.channels)
			o.queue.PushFront(c)
			break
		}
		o.queue.Recycle(c)
	}
	o.streamTime += int64(provided)
}

// Stop disables audio, flushes the hardware buffer and drops queued
// samples. It is safe to call more than once.
func (o *Output) Stop() {
	if !o.started.CompareAndSwap(true, false) {
		return
	}
	if err := o.dev.DisableAudioOutput(); err != nil {
		o.log.Debug().Err(err).Msg("Disabling audio output")
	}
	if err := o.dev.FlushBufferedAudioSamples(); err != nil {
		o.log.Debug().Err(err).Msg("Flushing audio output")
	}
	o.dev.SetAudioCallback(nil)
	o.prerolling.Store(false)

	o.renderMu.Lock()
	o.streamTime = 0
	o.renderMu.Unlock()
	o.queue.Clear()
}

// NewLogger is the audio component logger for a device.
func NewLogger(deviceIndex int) zerolog.Logger {
	return logger.WithComponent("audio").With().Int("device", deviceIndex).Logger()
}
