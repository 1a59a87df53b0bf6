package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

// InputOptions configures a simulated input.
type InputOptions struct {
	Index    int
	Name     string
	Realtime bool
	Speed    float64
	// Signal is what the wire carries. The zero value is 8-bit YUV.
	Signal device.DetectedSignal
	// Mode is the signal's display mode. Zero means NTSC.
	Mode device.DisplayMode
	// Unsupported lists formats the capture engine cannot produce.
	Unsupported []pixelformat.Format
}

// Input simulates a capture device with format detection.
type Input struct {
	opts InputOptions
	log  *zerolog.Logger

	mu           sync.Mutex
	enabled      bool
	detection    bool
	mode         device.DisplayMode
	format       pixelformat.Format
	audioEnabled bool
	streaming    bool
	passthrough  bool
	cb           device.InputCallback
	stopTick     chan struct{}

	signalMode   device.DisplayMode
	signal       device.DetectedSignal
	noSignal     bool
	hdrValues    map[hdr.Field]float64
	frameCount   int64
	buf          []byte
	audio        []byte
	timeErr      error
	dropTimecode bool
}

// NewInput creates a simulated input.
func NewInput(opts InputOptions) *Input {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("Simulated Input %d", opts.Index)
	}
	if opts.Mode.ID == 0 {
		opts.Mode, _ = device.LookupMode("NTSC")
	}
	if opts.Signal.Depth == pixelformat.DepthUnknown {
		opts.Signal.Depth = pixelformat.Depth8
	}
	return &Input{
		opts:       opts,
		log:        logger.WithComponent("sim-input"),
		signalMode: opts.Mode,
		signal:     opts.Signal,
	}
}

func (in *Input) Index() int   { return in.opts.Index }
func (in *Input) Name() string { return in.opts.Name }

// SupportsInputMode rejects unknown modes, invalid formats, formats listed
// as unsupported, and 12-bit RGB above HD.
func (in *Input) SupportsInputMode(mode device.DisplayMode, format pixelformat.Format) bool {
	if _, ok := device.ModeByID(mode.ID); !ok || !format.Valid() {
		return false
	}
	for _, f := range in.opts.Unsupported {
		if f == format {
			return false
		}
	}
	if (format == pixelformat.RGB12 || format == pixelformat.RGBLE12) && mode.Width > 1920 {
		return false
	}
	return true
}

func (in *Input) EnableVideoInput(mode device.DisplayMode, format pixelformat.Format, formatDetection bool) error {
	if !in.SupportsInputMode(mode, format) {
		return device.ErrUnsupportedMode
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.enabled {
		return device.ErrAccessDenied
	}
	in.enabled = true
	in.mode = mode
	in.format = format
	in.detection = formatDetection
	in.buf = make([]byte, pixelformat.FrameBytes(format, mode.Width, mode.Height))
	in.log.Debug().Int("device", in.opts.Index).Str("mode", mode.Name).Str("format", format.String()).Msg("Video input enabled")
	return nil
}

func (in *Input) DisableVideoInput() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.enabled {
		return device.ErrNotEnabled
	}
	in.enabled = false
	in.haltLocked()
	return nil
}

func (in *Input) EnableAudioInput(sampleRate, bitsPerSample, channels int) error {
	if sampleRate != 48000 || bitsPerSample != 16 || channels != 2 {
		return device.ErrInvalidArgument
	}
	in.mu.Lock()
	in.audioEnabled = true
	in.mu.Unlock()
	return nil
}

func (in *Input) DisableAudioInput() error {
	in.mu.Lock()
	in.audioEnabled = false
	in.mu.Unlock()
	return nil
}

func (in *Input) StartStreams() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.enabled {
		return device.ErrNotEnabled
	}
	if in.streaming {
		return nil
	}
	in.streaming = true
	if in.opts.Realtime {
		stop := make(chan struct{})
		in.stopTick = stop
		period := time.Duration(float64(in.mode.FrameDuration()) * float64(time.Second) /
			float64(timecode.FlicksPerSecond) / in.opts.Speed)
		go in.run(period, stop)
	}
	return nil
}

func (in *Input) run(period time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = in.Deliver()
		}
	}
}

func (in *Input) haltLocked() {
	in.streaming = false
	if in.stopTick != nil {
		close(in.stopTick)
		in.stopTick = nil
	}
}

func (in *Input) StopStreams() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.haltLocked()
	return nil
}

func (in *Input) FlushStreams() error {
	return nil
}

func (in *Input) SetInputCallback(cb device.InputCallback) {
	in.mu.Lock()
	in.cb = cb
	in.mu.Unlock()
}

func (in *Input) SetPassthrough(enabled bool) error {
	in.mu.Lock()
	in.passthrough = enabled
	in.mu.Unlock()
	return nil
}

// Passthrough reports whether SDI passthrough is on.
func (in *Input) Passthrough() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.passthrough
}

// Current returns the mode and format the capture engine is set to.
func (in *Input) Current() (device.DisplayMode, pixelformat.Format, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mode, in.format, in.enabled
}

// Streaming reports whether streams are running.
func (in *Input) Streaming() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.streaming
}

// ChangeSignal switches what arrives on the wire. With format detection
// on, the callback hears about the change and decides how to reconfigure.
func (in *Input) ChangeSignal(mode device.DisplayMode, signal device.DetectedSignal) error {
	in.mu.Lock()
	var events device.FormatChangedEvents
	if mode.ID != in.signalMode.ID {
		events |= device.DisplayModeChanged
	}
	if mode.FieldDominance != in.signalMode.FieldDominance {
		events |= device.FieldDominanceChanged
	}
	if signal.RGB != in.signal.RGB || mode.ColorSpace != in.signalMode.ColorSpace {
		events |= device.ColorspaceChanged
	}
	in.signalMode = mode
	in.signal = signal
	cb := in.cb
	notify := in.enabled && in.detection && events != 0
	in.mu.Unlock()

	if !notify || cb == nil {
		return nil
	}
	return cb.VideoInputFormatChanged(events, mode, signal)
}

// SetSignalPresent simulates plugging or unplugging the source.
func (in *Input) SetSignalPresent(present bool) {
	in.mu.Lock()
	in.noSignal = !present
	in.mu.Unlock()
}

// SetHDR makes frames carry HDR metadata. Values missing from the map are
// reported as unreadable. nil turns HDR off.
func (in *Input) SetHDR(values map[hdr.Field]float64) {
	in.mu.Lock()
	in.hdrValues = values
	in.mu.Unlock()
}

// SetTimestampError makes timestamp queries fail.
func (in *Input) SetTimestampError(err error) {
	in.mu.Lock()
	in.timeErr = err
	in.mu.Unlock()
}

// SetDropFrame flags generated timecode as drop frame.
func (in *Input) SetDropFrame(drop bool) {
	in.mu.Lock()
	in.dropTimecode = drop
	in.mu.Unlock()
}

// Deliver captures one frame and hands it to the callback.
func (in *Input) Deliver() error {
	in.mu.Lock()
	if !in.streaming || in.cb == nil {
		in.mu.Unlock()
		return device.ErrNotEnabled
	}
	fd := in.mode.FrameDuration()
	n := in.frameCount
	in.frameCount++

	f := &inputFrame{
		width:      in.mode.Width,
		height:     in.mode.Height,
		rowBytes:   pixelformat.RowBytes(in.format, in.mode.Width),
		format:     in.format,
		buf:        in.buf,
		hwTime:     n * fd,
		streamTime: n * fd,
		duration:   fd,
		timeErr:    in.timeErr,
	}
	if len(f.buf) > 0 {
		f.buf[0] = byte(n)
	}
	if in.noSignal {
		f.flags |= device.FlagHasNoInputSource
	} else {
		tc := timecode.FromFrameCount(n, fd, in.dropTimecode)
		bcd := tc.BCD()
		f.tcSource = device.TimecodeVITC1
		if bcd&0x80 != 0 {
			f.tcSource = device.TimecodeVITC2
		}
		f.tc = bcd &^ 0xC0
		f.tcDrop = in.dropTimecode
		f.hasTC = true
	}
	if in.hdrValues != nil {
		f.flags |= device.FlagContainsHDRMetadata
		f.hdr = in.hdrValues
	}

	var pkt *audioPacket
	if in.audioEnabled {
		frames := int(48000 * fd / timecode.FlicksPerSecond)
		if cap(in.audio) < frames*4 {
			in.audio = make([]byte, frames*4)
		}
		pkt = &audioPacket{frames: frames, buf: in.audio[:frames*4], time: n * fd}
	}
	cb := in.cb
	in.mu.Unlock()

	if pkt == nil {
		return cb.VideoInputFrameArrived(f, nil)
	}
	return cb.VideoInputFrameArrived(f, pkt)
}

// DeliverRaw hands arbitrary video and audio to the callback.
func (in *Input) DeliverRaw(video device.InputFrame, audio device.AudioPacket) error {
	in.mu.Lock()
	cb := in.cb
	in.mu.Unlock()
	if cb == nil {
		return device.ErrNotEnabled
	}
	return cb.VideoInputFrameArrived(video, audio)
}

// NewInputFrame builds a captured frame for DeliverRaw.
func NewInputFrame(mode device.DisplayMode, format pixelformat.Format, flags device.FrameFlags) device.InputFrame {
	return &inputFrame{
		width:    mode.Width,
		height:   mode.Height,
		rowBytes: pixelformat.RowBytes(format, mode.Width),
		format:   format,
		flags:    flags,
		buf:      make([]byte, pixelformat.FrameBytes(format, mode.Width, mode.Height)),
		duration: mode.FrameDuration(),
	}
}

// NewAudioPacket builds an empty 16-bit stereo packet for DeliverRaw.
func NewAudioPacket(frames int) device.AudioPacket {
	return &audioPacket{frames: frames, buf: make([]byte, frames*4)}
}
