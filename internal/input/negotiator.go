// Package input captures frames from a device and keeps the capture format
// in step with the incoming signal. When the hardware detects a new signal
// the negotiator picks a pixel format for it, restarts the streams and
// tells the host what changed.
package input

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

// Audio is always captured as 48 kHz 16-bit stereo.
const (
	AudioSampleRate = 48000
	AudioSampleBits = 16
	AudioChannels   = 2
)

var (
	ErrRunning                = errors.New("input already started")
	ErrUnsupportedDisplayMode = errors.New("unsupported display mode")
	ErrDeviceInUse            = errors.New("input device in use")
)

const (
	msgIncompatible     = "Incompatible pixel format and video mode."
	msgDeviceInUse      = "Can't start input device (possibly already used)."
	msgInvalidFrame     = "Video frame is invalid."
	msgInvalidAudio     = "Audio packet is invalid."
	msgNoSignal         = "No input device signal found."
	msgColorSpace       = "Input color space changed."
	msgFormatChanged    = "Input video format changed."
	msgUnsupportedMode  = "Unsupported display mode (video format, framerate, and scanning mode combination)."
	msgAudioUnavailable = "Can't open audio input."
)

// State is the negotiator lifecycle state.
type State int

const (
	Uninitialized State = iota
	Streaming
	AwaitingReconfiguration
	Faulted
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case AwaitingReconfiguration:
		return "reconfiguring"
	case Faulted:
		return "faulted"
	}
	return "uninitialized"
}

// Callbacks are invoked on capture goroutines and must not block.
type Callbacks struct {
	OnError         device.ErrorFunc
	OnFormatChanged func(d Descriptor, message string)
	OnFrameArrived  func(f Frame)
}

// Config selects the initial capture format.
type Config struct {
	DeviceIndex int
	// Mode is the mode to listen in until the hardware detects the real
	// signal. Zero means NTSC.
	Mode device.DisplayMode
	// PixelFormat is the format the host wants. Auto picks the best format
	// the hardware supports for each detected signal.
	PixelFormat pixelformat.Format
	Passthrough bool
}

// Stats is a snapshot of the negotiator counters.
type Stats struct {
	State         string     `json:"state"`
	Frames        int64      `json:"frames"`
	Rejected      int64      `json:"rejected"`
	NoSignal      int64      `json:"no_signal"`
	FormatChanges int64      `json:"format_changes"`
	HasSignal     bool       `json:"has_signal"`
	Format        Descriptor `json:"format"`
}

// Negotiator drives one input device.
type Negotiator struct {
	dev device.InputDevice
	cb  Callbacks
	log *zerolog.Logger

	mu         sync.Mutex
	state      State
	desired    pixelformat.Format
	current    pixelformat.Format
	mode       device.DisplayMode
	colorSpace hdr.ColorSpace
	meta       hdr.Metadata
	invalid    bool
	texture    []byte

	// queueMu is held by the host while it reads the texture destination.
	queueMu sync.Mutex

	hasSource     atomic.Bool
	frames        atomic.Int64
	rejected      atomic.Int64
	noSignal      atomic.Int64
	formatChanges atomic.Int64
}

// New binds a negotiator to a device.
func New(dev device.InputDevice, cb Callbacks) *Negotiator {
	return &Negotiator{
		dev:  dev,
		cb:   cb,
		log:  logger.WithComponent("input"),
		meta: hdr.Default(),
	}
}

// WithLogger replaces the component logger.
func (n *Negotiator) WithLogger(l *zerolog.Logger) *Negotiator {
	n.log = l
	return n
}

func (n *Negotiator) report(status device.Status, kind device.ErrorKind, msg string) {
	switch status {
	case device.StatusError:
		n.log.Error().Str("kind", kind.String()).Msg(msg)
	case device.StatusWarning:
		n.log.Warn().Str("kind", kind.String()).Msg(msg)
	default:
		n.log.Trace().Str("kind", kind.String()).Msg(msg)
	}
	if n.cb.OnError != nil {
		n.cb.OnError(n.dev.Index(), status, kind, msg)
	}
}

// Start enables capture in 8-bit YUV at cfg.Mode with format detection
// on. The real format is settled by the first format-change notification.
func (n *Negotiator) Start(cfg Config) (Descriptor, error) {
	mode := cfg.Mode
	if mode.ID == 0 {
		mode, _ = device.LookupMode("NTSC")
	}

	n.mu.Lock()
	if n.state != Uninitialized {
		n.mu.Unlock()
		return Descriptor{}, ErrRunning
	}
	n.desired = cfg.PixelFormat
	n.current = pixelformat.YUV8
	n.mode = mode
	n.colorSpace = mode.ColorSpace
	n.meta = hdr.Default()
	n.invalid = false
	n.mu.Unlock()

	if !n.dev.SupportsInputMode(mode, pixelformat.YUV8) {
		err := device.NewConfigError(device.ConfigurationInvalid, ErrUnsupportedDisplayMode, msgUnsupportedMode)
		n.report(device.StatusError, err.Kind, err.Message)
		return Descriptor{}, err
	}

	if err := n.dev.SetPassthrough(cfg.Passthrough); err != nil {
		n.log.Warn().Err(err).Bool("passthrough", cfg.Passthrough).Msg("Failed to configure passthrough")
	}
	n.dev.SetInputCallback(n)

	if err := n.dev.EnableVideoInput(mode, pixelformat.YUV8, true); err != nil {
		n.dev.SetInputCallback(nil)
		n.report(device.StatusError, device.DeviceAlreadyUsed, msgDeviceInUse)
		return Descriptor{}, device.NewConfigError(device.DeviceAlreadyUsed, fmt.Errorf("%w: %v", ErrDeviceInUse, err), msgDeviceInUse)
	}
	if err := n.dev.EnableAudioInput(AudioSampleRate, AudioSampleBits, AudioChannels); err != nil {
		_ = n.dev.DisableVideoInput()
		n.dev.SetInputCallback(nil)
		cerr := device.NewConfigError(device.ConfigurationInvalid, err, msgAudioUnavailable)
		n.report(device.StatusError, cerr.Kind, cerr.Message)
		return Descriptor{}, cerr
	}

	n.mu.Lock()
	n.state = Streaming
	desc := n.descriptorLocked()
	n.mu.Unlock()

	if err := n.dev.StartStreams(); err != nil {
		n.Stop()
		return Descriptor{}, fmt.Errorf("failed to start input streams: %w", err)
	}

	n.log.Info().
		Int("device", n.dev.Index()).
		Str("mode", mode.Name).
		Str("pixel_format", cfg.PixelFormat.String()).
		Bool("passthrough", cfg.Passthrough).
		Msg("Input started")
	return desc, nil
}

// Stop halts capture. It is safe to call repeatedly.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	if n.state == Uninitialized {
		n.mu.Unlock()
		return
	}
	n.state = Uninitialized
	n.mu.Unlock()

	if err := n.dev.StopStreams(); err != nil {
		n.log.Debug().Err(err).Msg("StopStreams")
	}
	n.dev.SetInputCallback(nil)
	if err := n.dev.DisableVideoInput(); err != nil && !errors.Is(err, device.ErrNotEnabled) {
		n.log.Debug().Err(err).Msg("DisableVideoInput")
	}
	if err := n.dev.DisableAudioInput(); err != nil {
		n.log.Debug().Err(err).Msg("DisableAudioInput")
	}
	n.hasSource.Store(false)
	n.log.Info().Int("device", n.dev.Index()).Int64("frames", n.frames.Load()).Msg("Input stopped")
}

// VideoInputFormatChanged implements device.InputCallback.
func (n *Negotiator) VideoInputFormatChanged(events device.FormatChangedEvents, mode device.DisplayMode, signal device.DetectedSignal) error {
	n.mu.Lock()
	if n.state == Uninitialized {
		n.mu.Unlock()
		return nil
	}
	if mode.ID == n.mode.ID && events&device.ColorspaceChanged == 0 {
		n.mu.Unlock()
		return nil
	}

	n.mode = mode
	n.state = AwaitingReconfiguration
	msg := n.describeChangeLocked(events, mode)
	valid := n.updatePixelFormatLocked(mode, signal)
	if !valid || !n.dev.SupportsInputMode(mode, n.current) {
		n.invalid = true
		n.state = Faulted
		n.mu.Unlock()
		n.log.Debug().
			Str("mode", mode.Name).
			Bool("rgb", signal.RGB).
			Int("depth", int(signal.Depth)).
			Str("pixel_format", n.desired.String()).
			Msg("Refusing format change")
		n.report(device.StatusError, device.IncompatiblePixelFormatAndVideoMode, msgIncompatible)
		return device.ErrFormatChangeRefused
	}
	format := n.current
	n.mu.Unlock()

	if err := n.dev.StopStreams(); err != nil {
		n.log.Debug().Err(err).Msg("StopStreams")
	}
	if err := n.dev.DisableVideoInput(); err != nil {
		n.log.Debug().Err(err).Msg("DisableVideoInput")
	}
	if err := n.dev.FlushStreams(); err != nil {
		n.log.Debug().Err(err).Msg("FlushStreams")
	}

	if err := n.dev.EnableVideoInput(mode, format, true); err != nil {
		n.mu.Lock()
		n.state = Uninitialized
		n.mu.Unlock()
		n.report(device.StatusError, device.DeviceAlreadyUsed, msgDeviceInUse)
		return fmt.Errorf("%w: %v", ErrDeviceInUse, err)
	}
	if err := n.dev.EnableAudioInput(AudioSampleRate, AudioSampleBits, AudioChannels); err != nil {
		n.log.Warn().Err(err).Msg("Failed to re-enable audio input")
	}

	n.mu.Lock()
	n.invalid = false
	n.state = Streaming
	desc := n.descriptorLocked()
	n.mu.Unlock()
	n.formatChanges.Add(1)

	n.log.Info().Str("format", desc.String()).Msg(msg)
	if n.cb.OnFormatChanged != nil {
		n.cb.OnFormatChanged(desc, msg)
	}

	if err := n.dev.StartStreams(); err != nil {
		return fmt.Errorf("failed to restart input streams: %w", err)
	}
	return nil
}

func (n *Negotiator) describeChangeLocked(events device.FormatChangedEvents, mode device.DisplayMode) string {
	var b strings.Builder
	b.WriteString(msgFormatChanged)
	if events&device.FieldDominanceChanged != 0 {
		fmt.Fprintf(&b, " Field dominance changed to '%s'.", mode.FieldDominance)
	}
	if events&device.ColorspaceChanged != 0 {
		b.WriteString(" Color space changed.")
	}
	if events&device.DisplayModeChanged != 0 {
		b.WriteString(" Display mode changed to ")
		b.WriteString(mode.Name)
		n.colorSpace = mode.ColorSpace
	}
	return b.String()
}

// updatePixelFormatLocked resolves the capture format for a signal. With
// no host preference it takes the best ranked format the mode supports.
// A host preference is kept only if the signal can carry it.
func (n *Negotiator) updatePixelFormatLocked(mode device.DisplayMode, signal device.DetectedSignal) bool {
	if n.desired == pixelformat.Auto {
		n.current = pixelformat.Best(signal.RGB, signal.Depth, func(f pixelformat.Format) bool {
			return n.dev.SupportsInputMode(mode, f)
		})
		return true
	}
	if !pixelformat.Compatible(signal.RGB, n.desired) {
		return false
	}
	n.current = n.desired
	return true
}

func (n *Negotiator) descriptorLocked() Descriptor {
	return newDescriptor(n.dev.Index(), n.mode, n.current, n.colorSpace, n.meta.EOTF)
}

func (n *Negotiator) reject(status device.Status, kind device.ErrorKind, msg string) error {
	n.rejected.Add(1)
	n.report(status, kind, msg)
	return device.ErrFrameRejected
}

// VideoInputFrameArrived implements device.InputCallback.
func (n *Negotiator) VideoInputFrameArrived(video device.InputFrame, audio device.AudioPacket) error {
	if video == nil {
		return n.reject(device.StatusError, device.NoInputSource, msgInvalidFrame)
	}
	if audio == nil {
		return n.reject(device.StatusError, device.AudioPacketInvalid, msgInvalidAudio)
	}

	n.mu.Lock()
	invalid := n.invalid
	mode := n.mode
	format := n.current
	texture := n.texture
	n.mu.Unlock()

	if invalid {
		return n.reject(device.StatusError, device.IncompatiblePixelFormatAndVideoMode, msgIncompatible)
	}
	if video.Flags()&device.FlagHasNoInputSource != 0 {
		n.hasSource.Store(false)
		n.noSignal.Add(1)
		n.report(device.StatusError, device.NoInputSource, msgNoSignal)
		return nil
	}
	n.hasSource.Store(true)

	data := video.Bytes()
	f := Frame{
		DeviceIndex:       n.dev.Index(),
		Data:              data[:min(len(data), video.RowBytes()*video.Height())],
		Width:             video.Width(),
		Height:            video.Height(),
		PixelFormat:       format,
		FieldDominance:    mode.FieldDominance,
		FrameDuration:     mode.FrameDuration(),
		HardwareTimestamp: -1,
		StreamTimestamp:   -1,
		Timecode:          readTimecode(video),
	}
	if t, _, err := video.HardwareReferenceTimestamp(timecode.FlicksPerSecond); err == nil {
		f.HardwareTimestamp = t
	}
	if t, _, err := video.StreamTime(timecode.FlicksPerSecond); err == nil {
		f.StreamTimestamp = t
	}

	if video.Flags()&device.FlagContainsHDRMetadata != 0 {
		m := n.ingestHDR(video)
		f.HDR = &m
	}

	f.Audio = Audio{
		Data:        audio.Bytes(),
		SampleBits:  AudioSampleBits,
		Channels:    AudioChannels,
		SampleCount: audio.SampleFrameCount(),
		Timestamp:   -1,
	}
	if t, err := audio.PacketTime(timecode.FlicksPerSecond); err == nil {
		f.Audio.Timestamp = t
	}

	// The host holds the queue lock while it reads the destination; a
	// frame arriving meanwhile is not copied.
	if texture != nil && n.queueMu.TryLock() {
		copy(texture, f.Data)
		n.queueMu.Unlock()
		f.TextureUpdated = true
	}

	n.frames.Add(1)
	if n.cb.OnFrameArrived != nil {
		n.cb.OnFrameArrived(f)
	}
	n.report(device.StatusOk, device.NoError, "")
	return nil
}

// readTimecode prefers VITC field 1, then field 2 (flagged as the even
// field). The drop-frame flag is carried in bit 6.
func readTimecode(video device.InputFrame) uint32 {
	var bcd uint32
	v, drop, ok := video.Timecode(device.TimecodeVITC1)
	if !ok {
		v, drop, ok = video.Timecode(device.TimecodeVITC2)
		if !ok {
			return timecode.None
		}
		bcd = 0x80
	}
	bcd |= v
	if drop {
		bcd |= 0x40
	}
	return bcd
}

// ingestHDR rereads the frame's metadata. Unreadable fields fall back to
// reference defaults. A readable color space that differs from the
// current one is announced to the host.
func (n *Negotiator) ingestHDR(video device.InputFrame) hdr.Metadata {
	m, missing := hdr.Ingest(video.HDRValue)
	if missing > 0 {
		n.log.Debug().Int("missing", missing).Msg("HDR metadata partially read, using defaults")
	}
	_, eotfOK := video.HDRValue(hdr.FieldEOTF)
	_, csOK := video.HDRValue(hdr.FieldColorSpace)

	n.mu.Lock()
	n.meta = m
	changed := eotfOK && csOK && m.ColorSpace != n.colorSpace
	if changed {
		n.colorSpace = m.ColorSpace
	}
	desc := n.descriptorLocked()
	n.mu.Unlock()

	if changed {
		n.formatChanges.Add(1)
		n.log.Info().Str("color_space", m.ColorSpace.String()).Msg(msgColorSpace)
		if n.cb.OnFormatChanged != nil {
			n.cb.OnFormatChanged(desc, msgColorSpace)
		}
	}
	return m
}

// LockQueue stops frames from being copied into the texture destination
// until UnlockQueue.
func (n *Negotiator) LockQueue() {
	n.queueMu.Lock()
}

// UnlockQueue releases LockQueue.
func (n *Negotiator) UnlockQueue() {
	n.queueMu.Unlock()
}

// SetTextureDestination sets the buffer every captured frame is copied
// into. nil disables the copy.
func (n *Negotiator) SetTextureDestination(buf []byte) {
	n.mu.Lock()
	n.texture = buf
	n.mu.Unlock()
}

// HasInputSource reports whether the last frame carried a signal.
func (n *Negotiator) HasInputSource() bool {
	return n.hasSource.Load()
}

// SetPassthrough toggles hardware passthrough of the captured signal.
func (n *Negotiator) SetPassthrough(enabled bool) error {
	return n.dev.SetPassthrough(enabled)
}

// State reports the lifecycle state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Descriptor describes the current capture format.
func (n *Negotiator) Descriptor() Descriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.descriptorLocked()
}

// HDRMetadata is the most recently ingested metadata.
func (n *Negotiator) HDRMetadata() hdr.Metadata {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.meta
}

// Stats snapshots the counters.
func (n *Negotiator) Stats() Stats {
	n.mu.Lock()
	st := Stats{
		State:  n.state.String(),
		Format: n.descriptorLocked(),
	}
	n.mu.Unlock()
	st.Frames = n.frames.Load()
	st.Rejected = n.rejected.Load()
	st.NoSignal = n.noSignal.Load()
	st.FormatChanges = n.formatChanges.Load()
	st.HasSignal = n.hasSource.Load()
	return st
}
