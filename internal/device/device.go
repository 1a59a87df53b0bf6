// Package device is the boundary between the streaming core and video I/O
// hardware. Hardware drivers (or the simulator in device/sim) implement
// these interfaces; the output and input packages only talk to them.
package device

import (
	"errors"

	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
)

// Errors returned by device implementations.
var (
	ErrUnsupportedMode     = errors.New("display mode not supported")
	ErrAccessDenied        = errors.New("device already in use")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotEnabled          = errors.New("stream not enabled")
	ErrAllocation          = errors.New("frame allocation failed")
	ErrScheduleRejected    = errors.New("frame rejected by scheduler")
	ErrUnsupportedFeature  = errors.New("feature not supported by device")
	ErrFormatChangeRefused = errors.New("format change refused")
	ErrFrameRejected       = errors.New("input frame rejected")
)

// BufferAllocator supplies frame memory to a device.
type BufferAllocator interface {
	AllocateBuffer(size int) ([]byte, error)
	ReleaseBuffer(buf []byte)
}

// AllocatorSetter is implemented by devices that accept a custom frame
// memory allocator. It must be called before any frame is created.
type AllocatorSetter interface {
	SetFrameAllocator(a BufferAllocator) error
}

// FrameFlags are per-frame hardware flags.
type FrameFlags uint32

const (
	FlagDefault             FrameFlags = 0
	FlagFlipVertical        FrameFlags = 1 << 0
	FlagContainsHDRMetadata FrameFlags = 1 << 1
	FlagHasNoInputSource    FrameFlags = 1 << 31
)

// Frame is a hardware-owned video buffer.
type Frame interface {
	Width() int
	Height() int
	RowBytes() int
	PixelFormat() pixelformat.Format
	Flags() FrameFlags
	// Bytes exposes the frame memory. The slice aliases hardware memory.
	Bytes() []byte
}

// MutableFrame is an output frame the host may fill.
type MutableFrame interface {
	Frame
	SetFlags(FrameFlags)
	// SetTimecode stamps a packed BCD timecode, or timecode.None to clear.
	SetTimecode(bcd uint32)
	Timecode() uint32
}

// MetadataFrame is implemented by frames that carry HDR metadata.
type MetadataFrame interface {
	Frame
	HDRMetadata() hdr.Metadata
}

// CompletionResult is how the hardware disposed of a scheduled frame.
type CompletionResult int

const (
	Completed CompletionResult = iota
	DisplayedLate
	Dropped
	Flushed
)

func (r CompletionResult) String() string {
	switch r {
	case DisplayedLate:
		return "late"
	case Dropped:
		return "dropped"
	case Flushed:
		return "flushed"
	}
	return "completed"
}

// OutputCallback is invoked on hardware goroutines.
type OutputCallback interface {
	ScheduledFrameCompleted(frame Frame, result CompletionResult)
	ScheduledPlaybackHasStopped()
}

// AudioOutputCallback is invoked when the hardware audio buffer runs low.
type AudioOutputCallback interface {
	RenderAudioSamples(preroll bool)
}

// VideoOutput is the scheduled video half of an output device.
type VideoOutput interface {
	SupportsMode(mode DisplayMode, format pixelformat.Format, keying bool) bool
	EnableVideoOutput(mode DisplayMode) error
	DisableVideoOutput() error
	CreateFrame(width, height, rowBytes int, format pixelformat.Format, flags FrameFlags) (MutableFrame, error)
	ScheduleFrame(frame Frame, displayTime, duration, timeScale int64) error
	BufferedFrameCount() int
	StartScheduledPlayback(startTime, timeScale int64, speed float64) error
	StopScheduledPlayback() error
	SetOutputCallback(cb OutputCallback)
	// LastOutputPixelFormat reports what the hardware is actually emitting.
	LastOutputPixelFormat() (pixelformat.Format, error)
}

// AudioOutput is the pull-based audio half of an output device. Samples
// are interleaved 32-bit integers.
type AudioOutput interface {
	EnableAudioOutput(sampleRate, channels int) error
	DisableAudioOutput() error
	SetAudioCallback(cb AudioOutputCallback)
	BeginAudioPreroll() error
	EndAudioPreroll() error
	ScheduleAudioSamples(samples []int32, sampleFrames int, streamTime, timeScale int64) (written int, err error)
	BufferedAudioSampleFrameCount() (int, error)
	FlushBufferedAudioSamples() error
}

// Keyer composites the output fill with its alpha channel.
type Keyer interface {
	Enable(external bool) error
	SetLevel(level uint8) error
	Disable() error
}

// LinkMode is the SDI link configuration.
type LinkMode int

const (
	LinkSingle LinkMode = iota
	LinkDual
	LinkQuad
)

func (l LinkMode) String() string {
	switch l {
	case LinkDual:
		return "dual"
	case LinkQuad:
		return "quad"
	}
	return "single"
}

// OutputDevice is a playback-capable device.
type OutputDevice interface {
	Index() int
	Name() string
	VideoOutput
	AudioOutput
	// Keyer returns nil when the device has no keyer.
	Keyer() Keyer
	SupportsLinkMode(LinkMode) bool
	SetLinkMode(LinkMode) error
	IsReferenceLocked() bool
}

// FormatChangedEvents lists what changed in a format-change notification.
type FormatChangedEvents uint32

const (
	DisplayModeChanged    FormatChangedEvents = 1 << 0
	FieldDominanceChanged FormatChangedEvents = 1 << 1
	ColorspaceChanged     FormatChangedEvents = 1 << 2
)

// DetectedSignal is what the hardware sensed on the wire.
type DetectedSignal struct {
	RGB   bool
	Depth pixelformat.Depth
}

// TimecodeSource selects a timecode track on an input frame.
type TimecodeSource int

const (
	TimecodeVITC1 TimecodeSource = iota
	TimecodeVITC2
)

// InputFrame is a captured video frame.
type InputFrame interface {
	Frame
	// Timecode returns the packed BCD value and drop-frame flag of a track.
	Timecode(source TimecodeSource) (bcd uint32, dropFrame bool, ok bool)
	HardwareReferenceTimestamp(timeScale int64) (time, duration int64, err error)
	StreamTime(timeScale int64) (time, duration int64, err error)
	// HDRValue reads one metadata value; ok is false when unavailable.
	HDRValue(f hdr.Field) (float64, bool)
}

// AudioPacket is captured audio accompanying a frame.
type AudioPacket interface {
	SampleFrameCount() int
	Bytes() []byte
	PacketTime(timeScale int64) (int64, error)
}

// InputCallback is invoked on hardware goroutines.
type InputCallback interface {
	// VideoInputFormatChanged returns ErrFormatChangeRefused to reject.
	VideoInputFormatChanged(events FormatChangedEvents, mode DisplayMode, signal DetectedSignal) error
	VideoInputFrameArrived(video InputFrame, audio AudioPacket) error
}

// InputDevice is a capture-capable device.
type InputDevice interface {
	Index() int
	Name() string
	SupportsInputMode(mode DisplayMode, format pixelformat.Format) bool
	EnableVideoInput(mode DisplayMode, format pixelformat.Format, formatDetection bool) error
	DisableVideoInput() error
	EnableAudioInput(sampleRate, bitsPerSample, channels int) error
	DisableAudioInput() error
	StartStreams() error
	StopStreams() error
	FlushStreams() error
	SetInputCallback(cb InputCallback)
	SetPassthrough(enabled bool) error
}
