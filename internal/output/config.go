package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
)

// Defaults for a scheduled output.
const (
	DefaultPreroll           = 3
	DefaultPoolSize          = 5
	DefaultMaxBuffered       = 10
	DefaultCompletionTimeout = 200 * time.Millisecond
	DefaultStopTimeout       = 200 * time.Millisecond
)

// NoPreroll starts playback without prerolled frames. A zero Preroll means
// DefaultPreroll.
const NoPreroll = -1

// PlaybackMode selects how frames reach the hardware.
type PlaybackMode int

const (
	// Async repeats the most recently fed frame from the completion
	// callback, so the output never starves.
	Async PlaybackMode = iota
	// Manual schedules each fed frame exactly once.
	Manual
)

func (m PlaybackMode) String() string {
	if m == Manual {
		return "manual"
	}
	return "async"
}

// ParsePlaybackMode accepts "async" or "manual".
func ParsePlaybackMode(s string) (PlaybackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "async", "":
		return Async, nil
	case "manual", "sync":
		return Manual, nil
	}
	return Async, fmt.Errorf("unknown playback mode %q", s)
}

// KeyingMode selects the keyer configuration.
type KeyingMode int

const (
	KeyingNone KeyingMode = iota
	KeyingInternal
	KeyingExternal
)

func (k KeyingMode) String() string {
	switch k {
	case KeyingInternal:
		return "internal"
	case KeyingExternal:
		return "external"
	}
	return "none"
}

// ParseKeyingMode accepts "none", "internal" or "external".
func ParseKeyingMode(s string) (KeyingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off", "":
		return KeyingNone, nil
	case "internal":
		return KeyingInternal, nil
	case "external":
		return KeyingExternal, nil
	}
	return KeyingNone, fmt.Errorf("unknown keying mode %q", s)
}

// ParseLinkMode accepts "single", "dual" or "quad".
func ParseLinkMode(s string) (device.LinkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single", "":
		return device.LinkSingle, nil
	case "dual":
		return device.LinkDual, nil
	case "quad":
		return device.LinkQuad, nil
	}
	return device.LinkSingle, fmt.Errorf("unknown link mode %q", s)
}

// AudioConfig describes the embedded audio stream.
type AudioConfig struct {
	Enabled    bool
	Channels   int
	SampleRate int
}

// Config describes one output stream.
type Config struct {
	DeviceIndex int
	Mode        device.DisplayMode
	PixelFormat pixelformat.Format
	ColorSpace  hdr.ColorSpace
	EOTF        hdr.EOTF
	// Metadata overrides the default HDR metadata for Rec.2020 output.
	Metadata *hdr.Metadata
	Playback PlaybackMode

	Preroll     int
	PoolSize    int
	MaxBuffered int

	GPUDirect bool
	Keying    KeyingMode
	LinkMode  device.LinkMode
	Audio     AudioConfig

	CompletionTimeout time.Duration
	StopTimeout       time.Duration
	CopyWorkers       int
}

func (c *Config) applyDefaults() {
	if c.Preroll == 0 {
		c.Preroll = DefaultPreroll
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = DefaultMaxBuffered
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 2
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 48000
	}
}

// slots is the number of frames to allocate. The pool must cover every
// frame the hardware can hold plus the one being filled.
func (c *Config) slots() int {
	need := c.prerollFrames() + 2
	if c.Playback == Manual {
		need = max(c.MaxBuffered+1, c.prerollFrames()+1)
	}
	return max(c.PoolSize, need)
}

// prerollFrames is the number of frames scheduled before playback starts.
func (c *Config) prerollFrames() int {
	return max(c.Preroll, 0)
}
