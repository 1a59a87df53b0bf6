// Package output schedules host frames onto a playback device. Frames are
// copied into a fixed pool of device buffers and handed to the hardware
// queue at increasing timestamps; completion callbacks recycle them.
package output

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/audio"
	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/framepool"
	"github.com/bryanchriswhite/framelink/internal/gpudirect"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/memcpy"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
)

// Configuration failures returned by Start.
var (
	ErrRunning                = errors.New("output already started")
	ErrUnsupportedDisplayMode = errors.New("unsupported display mode")
	ErrDeviceInUse            = errors.New("output device in use")
	ErrUnsupportedLinkMode    = errors.New("unsupported link mode")
	ErrKeyingUnavailable      = errors.New("keying not supported")
)

// Runtime messages reported through the error callback.
const (
	msgFrameLate       = "Frame was displayed late."
	msgFrameDropped    = "Frame was dropped."
	msgFrameFlushed    = "Frame was flushed."
	msgFrameCompleted  = "Frame was completed."
	msgScheduleFailed  = "Failed to schedule a video frame."
	msgOverqueued      = "Overqueuing frames (not pushed)."
	msgSyncTimeout     = "Failed to synchronize to output refreshing."
	msgGPUDirectFailed = "GPUDirect initialization failed."
	msgBadMode         = "Unsupported display mode (video format, framerate, and scanning mode combination)."
	msgDeviceInUse     = "Can't open output device (possibly already used)."
)

// State is the scheduler lifecycle state.
type State int

const (
	Stopped State = iota
	Prerolling
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Prerolling:
		return "prerolling"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "stopped"
}

// Callbacks are invoked from hardware goroutines and must not block.
type Callbacks struct {
	OnError          device.ErrorFunc
	OnFrameCompleted func(deviceIndex int, frameNumber int64)
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	State      string `json:"state"`
	Queued     int64  `json:"queued"`
	Completed  int64  `json:"completed"`
	Late       int64  `json:"late"`
	Dropped    int64  `json:"dropped"`
	Flushed    int64  `json:"flushed"`
	Overqueued int64  `json:"overqueued"`
	Buffered   int    `json:"buffered"`
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithGPU supplies the copy engine used when GPUDirect is requested.
func WithGPU(dma gpudirect.DMA) Option {
	return func(s *Scheduler) { s.dma = dma }
}

// WithLogger replaces the component logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler drives one output device.
type Scheduler struct {
	dev device.OutputDevice
	cb  Callbacks
	log *zerolog.Logger
	dma gpudirect.DMA

	// mu guards everything down to the counters. It is never held across a
	// call into the device.
	mu        sync.Mutex
	cond      *sync.Cond
	cfg       Config
	state     State
	ackStop   bool
	pool      *framepool.Pool
	current   device.MutableFrame
	inflight  map[device.MutableFrame]int
	wrappers  map[device.MutableFrame]*hdrFrame
	meta      hdr.Metadata
	queued    int64
	completed int64

	late       atomic.Int64
	dropped    atomic.Int64
	flushed    atomic.Int64
	overqueued atomic.Int64

	copier *memcpy.Copier
	bridge *gpudirect.Bridge
	audio  *audio.Output
	keyer  device.Keyer

	formatMu    sync.Mutex
	format      pixelformat.Format
	formatStale bool
}

// New binds a scheduler to a device.
func New(dev device.OutputDevice, cb Callbacks, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev: dev,
		cb:  cb,
		log: logger.WithComponent("output"),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) report(status device.Status, kind device.ErrorKind, msg string) {
	switch status {
	case device.StatusError:
		s.log.Error().Str("kind", kind.String()).Msg(msg)
	case device.StatusWarning:
		s.log.Warn().Str("kind", kind.String()).Msg(msg)
	default:
		s.log.Debug().Str("kind", kind.String()).Msg(msg)
	}
	if s.cb.OnError != nil {
		s.cb.OnError(s.dev.Index(), status, kind, msg)
	}
}

// Start configures the device, fills the pool, schedules the preroll
// frames and starts the hardware clock. On any failure everything acquired
// so far is released and the scheduler stays Stopped.
func (s *Scheduler) Start(cfg Config) (err error) {
	cfg.applyDefaults()

	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return ErrRunning
	}
	s.state = Prerolling
	s.cfg = cfg
	s.ackStop = false
	s.queued, s.completed = 0, 0
	s.mu.Unlock()
	s.late.Store(0)
	s.dropped.Store(0)
	s.flushed.Store(0)
	s.overqueued.Store(0)

	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		s.mu.Lock()
		s.state = Stopped
		s.cond.Broadcast()
		s.mu.Unlock()
		kind, msg := device.Reportable(err)
		s.report(device.StatusError, kind, msg)
	}()

	mode := cfg.Mode
	if !cfg.PixelFormat.Valid() || !s.dev.SupportsMode(mode, cfg.PixelFormat, cfg.Keying != KeyingNone) {
		return device.NewConfigError(device.ConfigurationInvalid, ErrUnsupportedDisplayMode, msgBadMode)
	}

	if !s.dev.SupportsLinkMode(cfg.LinkMode) {
		return device.NewConfigError(device.ConfigurationInvalid, ErrUnsupportedLinkMode,
			fmt.Sprintf("Unsupported link mode: %s", cfg.LinkMode))
	}
	if err := s.dev.SetLinkMode(cfg.LinkMode); err != nil {
		return device.NewConfigError(device.ConfigurationInvalid, fmt.Errorf("%w: %v", ErrUnsupportedLinkMode, err),
			fmt.Sprintf("Unsupported link mode: %s", cfg.LinkMode))
	}

	copier := memcpy.New(cfg.CopyWorkers)
	s.mu.Lock()
	s.copier = copier
	s.mu.Unlock()
	undo = append(undo, copier.Close)

	if cfg.GPUDirect {
		bridge := gpudirect.New(s.dma)
		s.mu.Lock()
		s.bridge = bridge
		s.mu.Unlock()
		undo = append(undo, func() {
			_ = bridge.Close()
			s.mu.Lock()
			s.bridge = nil
			s.mu.Unlock()
		})
		if !bridge.Available() {
			s.report(device.StatusError, device.GPUDirectUnavailable, msgGPUDirectFailed)
		} else if setter, ok := s.dev.(device.AllocatorSetter); ok {
			if err := setter.SetFrameAllocator(bridge.Allocator()); err != nil {
				s.log.Warn().Err(err).Msg("Device refused pinned allocator, using CPU copies")
			}
		}
	}

	if err := s.dev.EnableVideoOutput(mode); err != nil {
		if errors.Is(err, device.ErrUnsupportedMode) {
			return device.NewConfigError(device.ConfigurationInvalid, fmt.Errorf("%w: %v", ErrUnsupportedDisplayMode, err), msgBadMode)
		}
		return device.NewConfigError(device.DeviceAlreadyUsed, fmt.Errorf("%w: %v", ErrDeviceInUse, err), msgDeviceInUse)
	}
	undo = append(undo, func() { _ = s.dev.DisableVideoOutput() })

	meta := hdr.Default()
	meta.EOTF = cfg.EOTF
	meta.ColorSpace = cfg.ColorSpace
	if cfg.Metadata != nil {
		meta = *cfg.Metadata
	}
	wide := cfg.ColorSpace.WideGamut()
	flags := device.FlagDefault
	if wide {
		flags |= device.FlagContainsHDRMetadata
	}
	rowBytes := pixelformat.RowBytes(cfg.PixelFormat, mode.Width)
	pool, err := framepool.New(cfg.slots(), func() (device.MutableFrame, error) {
		return s.dev.CreateFrame(mode.Width, mode.Height, rowBytes, cfg.PixelFormat, flags)
	})
	if err != nil {
		return device.NewConfigError(device.AllocationFailed, err, "Failed to allocate output frames.")
	}

	s.mu.Lock()
	s.meta = meta
	s.pool = pool
	s.inflight = make(map[device.MutableFrame]int, pool.Size())
	s.wrappers = nil
	if wide {
		s.wrappers = make(map[device.MutableFrame]*hdrFrame, pool.Size())
		for _, f := range pool.Frames() {
			s.wrappers[f] = &hdrFrame{MutableFrame: f, meta: &s.meta}
		}
	}
	s.mu.Unlock()
	undo = append(undo, s.releaseFrames)

	s.dev.SetOutputCallback(s)
	undo = append(undo, func() { s.dev.SetOutputCallback(nil) })

	var aout *audio.Output
	if cfg.Audio.Enabled {
		a := audio.NewOutput(s.dev, audio.NewLogger(s.dev.Index()))
		if err := a.Start(audio.Config{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Preroll:    cfg.prerollFrames(),
		}, mode.Duration, mode.TimeScale); err != nil {
			return err
		}
		aout = a
		s.mu.Lock()
		s.audio = a
		s.mu.Unlock()
		undo = append(undo, func() {
			a.Stop()
			s.mu.Lock()
			s.audio = nil
			s.mu.Unlock()
		})
	}

	if cfg.Keying != KeyingNone {
		if err := s.EnableKeying(cfg.Keying == KeyingExternal); err != nil {
			return device.NewConfigError(device.ConfigurationInvalid, err, "Keying is not supported by this device.")
		}
		undo = append(undo, func() { _ = s.DisableKeying() })
	}

	s.preroll(cfg)

	if aout != nil {
		if err := aout.EndPreroll(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to end audio preroll")
		}
	}
	if err := s.dev.StartScheduledPlayback(0, mode.TimeScale, 1.0); err != nil {
		return device.NewConfigError(device.DeviceAlreadyUsed, fmt.Errorf("%w: %v", ErrDeviceInUse, err), msgDeviceInUse)
	}

	s.formatMu.Lock()
	s.formatStale = true
	s.formatMu.Unlock()

	s.mu.Lock()
	if s.state == Prerolling {
		s.state = Running
	}
	s.mu.Unlock()

	s.log.Info().
		Int("device", s.dev.Index()).
		Str("mode", mode.Name).
		Str("pixel_format", cfg.PixelFormat.String()).
		Str("playback", cfg.Playback.String()).
		Int("preroll", cfg.prerollFrames()).
		Int("pool", pool.Size()).
		Msg("Output started")
	return nil
}

// preroll schedules the first pool frame cfg.Preroll times. In async mode
// that frame becomes the current frame.
func (s *Scheduler) preroll(cfg Config) {
	s.mu.Lock()
	slot, ok := s.pool.Acquire()
	if ok && cfg.Playback == Async {
		s.current = slot
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for i := 0; i < cfg.prerollFrames(); i++ {
		s.schedule(slot)
	}

	s.mu.Lock()
	s.releaseIfIdleLocked(slot)
	s.mu.Unlock()
}

// schedule hands a pool frame to the hardware at the next time slot.
func (s *Scheduler) schedule(slot device.MutableFrame) bool {
	s.mu.Lock()
	if s.state == Stopping || s.state == Stopped || s.pool == nil {
		s.mu.Unlock()
		return false
	}
	duration, scale := s.cfg.Mode.Duration, s.cfg.Mode.TimeScale
	at := duration * s.queued
	s.queued++
	s.inflight[slot]++
	var f device.Frame = slot
	if w, ok := s.wrappers[slot]; ok {
		f = w
	}
	s.mu.Unlock()

	if err := s.dev.ScheduleFrame(f, at, duration, scale); err != nil {
		s.mu.Lock()
		s.dropInflightLocked(slot)
		s.mu.Unlock()
		s.log.Debug().Err(err).Int64("display_time", at).Msg("ScheduleFrame failed")
		s.report(device.StatusError, device.ScheduleFailed, msgScheduleFailed)
		return false
	}
	return true
}

func (s *Scheduler) dropInflightLocked(slot device.MutableFrame) {
	if n := s.inflight[slot]; n > 1 {
		s.inflight[slot] = n - 1
		return
	}
	delete(s.inflight, slot)
	s.releaseIfIdleLocked(slot)
}

// releaseIfIdleLocked returns a frame to the pool once the hardware holds
// no reference to it and it is not the async current frame.
func (s *Scheduler) releaseIfIdleLocked(slot device.MutableFrame) {
	if slot == nil || s.pool == nil || slot == s.current || s.inflight[slot] > 0 {
		return
	}
	_ = s.pool.Release(slot)
}

// ScheduledFrameCompleted implements device.OutputCallback.
func (s *Scheduler) ScheduledFrameCompleted(frame device.Frame, result device.CompletionResult) {
	switch result {
	case device.DisplayedLate:
		s.late.Add(1)
		s.report(device.StatusWarning, device.FrameDisplayedLate, msgFrameLate)
	case device.Dropped:
		s.dropped.Add(1)
		s.report(device.StatusError, device.FrameDropped, msgFrameDropped)
	case device.Flushed:
		s.flushed.Add(1)
		s.report(device.StatusError, device.FrameFlushed, msgFrameFlushed)
	default:
		s.report(device.StatusOk, device.NoError, msgFrameCompleted)
	}

	s.mu.Lock()
	number := s.completed
	s.completed++
	if slot := unwrap(frame); slot != nil && s.inflight != nil {
		s.dropInflightLocked(slot)
	}
	current := s.current
	rearm := s.cfg.Playback == Async && current != nil && (s.state == Running || s.state == Prerolling)
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.cb.OnFrameCompleted != nil {
		s.cb.OnFrameCompleted(s.dev.Index(), number)
	}
	if rearm {
		s.schedule(current)
	}
}

// ScheduledPlaybackHasStopped implements device.OutputCallback.
func (s *Scheduler) ScheduledPlaybackHasStopped() {
	s.mu.Lock()
	s.ackStop = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// FeedFrame copies one frame of pixel data into the next pool frame and
// stamps it with a packed BCD timecode. In async mode it replaces the
// current frame; in manual mode it is scheduled unless the hardware queue
// is full, in which case it is dropped with a warning.
func (s *Scheduler) FeedFrame(data []byte, bcd uint32) {
	slot, copier, _, ok := s.acquire(bcd)
	if !ok {
		return
	}
	copier.Copy(slot.Bytes(), data)
	s.commit(slot)
}

// FeedTexture is FeedFrame for GPU-resident frames. With GPUDirect the
// texture is transferred straight into pinned frame memory; otherwise its
// host mirror is copied on the CPU. The frame reaches the hardware only
// after the transfer has finished.
func (s *Scheduler) FeedTexture(tex gpudirect.Texture, bcd uint32) {
	slot, copier, bridge, ok := s.acquire(bcd)
	if !ok {
		return
	}
	dst := slot.Bytes()
	if !bridge.StartSync(tex, dst) {
		copier.Copy(dst, tex.Bytes())
		s.commit(slot)
		return
	}
	if err := bridge.EndSync(dst); err != nil {
		s.log.Error().Err(err).Msg("GPUDirect transfer failed")
		s.mu.Lock()
		s.releaseIfIdleLocked(slot)
		s.mu.Unlock()
		s.report(device.StatusError, device.ScheduleFailed, msgScheduleFailed)
		return
	}
	s.commit(slot)
}

// acquire takes the next pool frame along with the copy engines of the
// current run.
func (s *Scheduler) acquire(bcd uint32) (device.MutableFrame, *memcpy.Copier, *gpudirect.Bridge, bool) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil, nil, nil, false
	}
	slot, ok := s.pool.Acquire()
	copier, bridge := s.copier, s.bridge
	s.mu.Unlock()
	if !ok {
		s.overqueued.Add(1)
		s.report(device.StatusWarning, device.Overqueued, msgOverqueued)
		return nil, nil, nil, false
	}
	slot.SetFlags(device.FlagDefault)
	slot.SetTimecode(bcd)
	return slot, copier, bridge, true
}

func (s *Scheduler) commit(slot device.MutableFrame) {
	s.mu.Lock()
	if s.state != Running {
		s.releaseIfIdleLocked(slot)
		s.mu.Unlock()
		return
	}
	if s.cfg.Playback == Async {
		prev := s.current
		s.current = slot
		s.releaseIfIdleLocked(prev)
		// Without preroll nothing is in flight to re-arm from.
		idle := len(s.inflight) == 0
		s.mu.Unlock()
		if idle {
			s.schedule(slot)
		}
		return
	}
	limit := s.cfg.MaxBuffered
	s.mu.Unlock()

	if s.dev.BufferedFrameCount() < limit {
		s.schedule(slot)
		return
	}
	s.mu.Lock()
	s.releaseIfIdleLocked(slot)
	s.mu.Unlock()
	s.overqueued.Add(1)
	s.report(device.StatusWarning, device.Overqueued, msgOverqueued)
}

// FeedAudioSampleFrames queues interleaved float samples for playback.
func (s *Scheduler) FeedAudioSampleFrames(samples []float32) {
	s.mu.Lock()
	a := s.audio
	s.mu.Unlock()
	if a != nil {
		a.Feed(samples)
	}
}

// WaitFrameCompletion blocks until frame n has completed or the completion
// timeout passes. A timeout is reported and returns false.
func (s *Scheduler) WaitFrameCompletion(n int64) bool {
	s.mu.Lock()
	timeout := s.cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = DefaultCompletionTimeout
	}
	ok := s.waitLocked(timeout, func() bool { return s.completed >= n })
	s.mu.Unlock()

	if !ok {
		s.report(device.StatusError, device.SyncTimeout, msgSyncTimeout)
	}
	return ok
}

// waitLocked waits on the condition variable until done returns true or
// timeout passes. s.mu must be held.
func (s *Scheduler) waitLocked(timeout time.Duration, done func() bool) bool {
	if done() {
		return true
	}
	expired := false
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		expired = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	for !done() {
		if expired {
			return false
		}
		s.cond.Wait()
	}
	return true
}

// Stop halts playback and releases every device resource. It is safe to
// call repeatedly and concurrently with completion callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == Stopped || s.state == Stopping {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	stopTimeout := s.cfg.StopTimeout
	a, bridge, copier := s.audio, s.bridge, s.copier
	s.mu.Unlock()

	if err := s.dev.StopScheduledPlayback(); err != nil {
		s.log.Debug().Err(err).Msg("StopScheduledPlayback")
	} else {
		s.mu.Lock()
		if !s.waitLocked(stopTimeout, func() bool { return s.ackStop }) {
			s.log.Warn().Dur("timeout", stopTimeout).Msg("Playback stop not acknowledged")
		}
		s.mu.Unlock()
	}

	if err := s.dev.DisableVideoOutput(); err != nil {
		s.log.Debug().Err(err).Msg("DisableVideoOutput")
	}
	if a != nil {
		a.Stop()
	}
	s.dev.SetOutputCallback(nil)
	s.releaseFrames()

	if bridge != nil {
		if err := bridge.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Closing GPUDirect bridge")
		}
	}
	if copier != nil {
		copier.Close()
	}
	if err := s.DisableKeying(); err != nil {
		s.log.Debug().Err(err).Msg("DisableKeying")
	}

	s.mu.Lock()
	s.audio = nil
	s.bridge = nil
	s.state = Stopped
	s.cond.Broadcast()
	s.mu.Unlock()

	s.log.Info().Int("device", s.dev.Index()).
		Int64("queued", s.queuedCount()).
		Int64("late", s.late.Load()).
		Int64("dropped", s.dropped.Load()).
		Msg("Output stopped")
}

func (s *Scheduler) queuedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *Scheduler) releaseFrames() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.inflight = nil
	s.wrappers = nil
	if s.pool != nil {
		s.pool.Drain()
		s.pool = nil
	}
}

// State reports the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats snapshots the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		State:     s.state.String(),
		Queued:    s.queued,
		Completed: s.completed,
	}
	running := s.state == Running
	s.mu.Unlock()

	st.Late = s.late.Load()
	st.Dropped = s.dropped.Load()
	st.Flushed = s.flushed.Load()
	st.Overqueued = s.overqueued.Load()
	if running {
		st.Buffered = s.dev.BufferedFrameCount()
	}
	return st
}

// Config returns the configuration of the current or last run.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// HDRMetadata is the metadata attached to wide-gamut frames.
func (s *Scheduler) HDRMetadata() hdr.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// PoolAvailable is the number of pool frames free for feeding.
func (s *Scheduler) PoolAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return 0
	}
	return s.pool.Available()
}

// PixelFormat reports the format the hardware is emitting. The answer is
// cached until the stream is restarted.
func (s *Scheduler) PixelFormat() (pixelformat.Format, error) {
	s.formatMu.Lock()
	defer s.formatMu.Unlock()
	if !s.formatStale {
		return s.format, nil
	}
	f, err := s.dev.LastOutputPixelFormat()
	if err != nil {
		return pixelformat.Auto, err
	}
	s.format = f
	s.formatStale = false
	return f, nil
}

// IsReferenceLocked reports whether the device is genlocked.
func (s *Scheduler) IsReferenceLocked() bool {
	return s.dev.IsReferenceLocked()
}

// SupportsKeying reports whether the device can key the configured mode.
func (s *Scheduler) SupportsKeying() bool {
	s.mu.Lock()
	mode, format := s.cfg.Mode, s.cfg.PixelFormat
	s.mu.Unlock()
	return s.dev.Keyer() != nil && s.dev.SupportsMode(mode, format, true)
}

// EnableKeying turns the keyer on at full level.
func (s *Scheduler) EnableKeying(external bool) error {
	k := s.dev.Keyer()
	if k == nil {
		return ErrKeyingUnavailable
	}
	if err := k.Enable(external); err != nil {
		return fmt.Errorf("failed to enable keyer: %w", err)
	}
	if err := k.SetLevel(255); err != nil {
		_ = k.Disable()
		return fmt.Errorf("failed to set keyer level: %w", err)
	}
	s.mu.Lock()
	s.keyer = k
	s.mu.Unlock()
	return nil
}

// DisableKeying turns the keyer off.
func (s *Scheduler) DisableKeying() error {
	s.mu.Lock()
	k := s.keyer
	s.keyer = nil
	s.mu.Unlock()
	if k == nil {
		return nil
	}
	return k.Disable()
}
