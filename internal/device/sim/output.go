// Package sim provides software stand-ins for video I/O hardware. The
// output plays scheduled frames against a virtual vertical refresh and the
// input generates frames at the selected display mode's rate.
package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

const (
	defaultMaxScheduled  = 64
	defaultAudioCapacity = 96000
)

// OutputOptions configures a simulated output.
type OutputOptions struct {
	Index int
	Name  string
	// Realtime drives the refresh from a ticker. Without it tests call Tick.
	Realtime bool
	// Speed scales the realtime refresh rate. Zero means 1.
	Speed float64
	// LinkModes lists the link modes supported besides single link.
	LinkModes       []device.LinkMode
	Keyer           bool
	ReferenceLocked bool
	// FrameLimit makes CreateFrame fail after this many frames.
	FrameLimit    int
	MaxScheduled  int
	AudioCapacity int
	// GPU attaches a simulated copy engine for GPUDirect transfers.
	GPU *GPU
}

type scheduledFrame struct {
	frame device.Frame
	at    int64
}

// Output simulates a playback device.
type Output struct {
	opts OutputOptions
	log  *zerolog.Logger

	mu        sync.Mutex
	enabled   bool
	mode      device.DisplayMode
	cb        device.OutputCallback
	acb       device.AudioOutputCallback
	alloc     device.BufferAllocator
	frames    []*Frame
	scheduled []scheduledFrame
	overrides []device.CompletionResult
	schedErr  error

	playing  bool
	origin   int64
	ticks    int64
	stopTick chan struct{}

	lastFormat pixelformat.Format
	displayed  []Displayed
	onDisplay  func(device.Frame)

	audioEnabled  bool
	audioChannels int
	audioPreroll  bool
	audioBuffered int
	audioWritten  int64

	link  device.LinkMode
	keyer *Keyer
}

// NewOutput creates a simulated output.
func NewOutput(opts OutputOptions) *Output {
	if opts.MaxScheduled <= 0 {
		opts.MaxScheduled = defaultMaxScheduled
	}
	if opts.AudioCapacity <= 0 {
		opts.AudioCapacity = defaultAudioCapacity
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("Simulated Output %d", opts.Index)
	}
	o := &Output{
		opts: opts,
		log:  logger.WithComponent("sim-output"),
	}
	if opts.Keyer {
		o.keyer = &Keyer{}
	}
	return o
}

func (o *Output) Index() int   { return o.opts.Index }
func (o *Output) Name() string { return o.opts.Name }

// GPU returns the attached copy engine, or nil.
func (o *Output) GPU() *GPU { return o.opts.GPU }

// SupportsMode accepts every catalogued mode with a valid format. Keying
// needs an alpha channel.
func (o *Output) SupportsMode(mode device.DisplayMode, format pixelformat.Format, keying bool) bool {
	if _, ok := device.ModeByID(mode.ID); !ok || !format.Valid() {
		return false
	}
	if keying {
		return o.keyer != nil && (format == pixelformat.ARGB8 || format == pixelformat.BGRA8)
	}
	return true
}

func (o *Output) EnableVideoOutput(mode device.DisplayMode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.enabled {
		return device.ErrAccessDenied
	}
	if _, ok := device.ModeByID(mode.ID); !ok {
		return device.ErrUnsupportedMode
	}
	o.enabled = true
	o.mode = mode
	o.log.Debug().Int("device", o.opts.Index).Str("mode", mode.Name).Msg("Video output enabled")
	return nil
}

func (o *Output) DisableVideoOutput() error {
	o.mu.Lock()
	if !o.enabled {
		o.mu.Unlock()
		return device.ErrNotEnabled
	}
	o.enabled = false
	o.haltLocked()
	o.scheduled = nil
	frames := o.frames
	o.frames = nil
	alloc := o.alloc
	o.alloc = nil
	o.mu.Unlock()

	if alloc != nil {
		for _, f := range frames {
			alloc.ReleaseBuffer(f.buf)
		}
	}
	return nil
}

// SetFrameAllocator routes frame memory through a custom allocator.
func (o *Output) SetFrameAllocator(a device.BufferAllocator) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) > 0 {
		return fmt.Errorf("allocator must be set before frames are created")
	}
	o.alloc = a
	return nil
}

func (o *Output) CreateFrame(width, height, rowBytes int, format pixelformat.Format, flags device.FrameFlags) (device.MutableFrame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opts.FrameLimit > 0 && len(o.frames) >= o.opts.FrameLimit {
		return nil, device.ErrAllocation
	}
	if width <= 0 || height <= 0 || rowBytes <= 0 {
		return nil, device.ErrInvalidArgument
	}

	size := rowBytes * height
	var buf []byte
	if o.alloc != nil {
		b, err := o.alloc.AllocateBuffer(size)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrAllocation, err)
		}
		buf = b
	} else {
		buf = make([]byte, size)
	}
	f := &Frame{
		width:    width,
		height:   height,
		rowBytes: rowBytes,
		format:   format,
		flags:    flags,
		tc:       timecode.None,
		buf:      buf,
	}
	o.frames = append(o.frames, f)
	return f, nil
}

func (o *Output) ScheduleFrame(frame device.Frame, displayTime, duration, timeScale int64) error {
	if frame == nil || timeScale <= 0 {
		return device.ErrInvalidArgument
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled {
		return device.ErrNotEnabled
	}
	if o.schedErr != nil {
		return o.schedErr
	}
	if len(o.scheduled) >= o.opts.MaxScheduled {
		return device.ErrScheduleRejected
	}
	o.scheduled = append(o.scheduled, scheduledFrame{
		frame: frame,
		at:    timecode.FrameDuration(displayTime, timeScale),
	})
	return nil
}

func (o *Output) BufferedFrameCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.scheduled)
}

func (o *Output) StartScheduledPlayback(startTime, timeScale int64, speed float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled {
		return device.ErrNotEnabled
	}
	if o.playing {
		return nil
	}
	o.playing = true
	o.origin = timecode.FrameDuration(startTime, timeScale)
	o.ticks = 0
	if o.opts.Realtime {
		stop := make(chan struct{})
		o.stopTick = stop
		period := time.Duration(float64(o.mode.FrameDuration()) * float64(time.Second) /
			float64(timecode.FlicksPerSecond) / (o.opts.Speed * max(speed, 0.01)))
		go o.run(period, stop)
	}
	return nil
}

func (o *Output) run(period time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.Tick()
		}
	}
}

func (o *Output) haltLocked() {
	o.playing = false
	if o.stopTick != nil {
		close(o.stopTick)
		o.stopTick = nil
	}
}

// StopScheduledPlayback flushes every pending frame and then reports that
// playback stopped.
func (o *Output) StopScheduledPlayback() error {
	o.mu.Lock()
	if !o.enabled {
		o.mu.Unlock()
		return device.ErrNotEnabled
	}
	o.haltLocked()
	flushed := o.scheduled
	o.scheduled = nil
	cb := o.cb
	o.mu.Unlock()

	if cb == nil {
		return nil
	}
	for _, s := range flushed {
		cb.ScheduledFrameCompleted(s.frame, device.Flushed)
	}
	cb.ScheduledPlaybackHasStopped()
	return nil
}

func (o *Output) SetOutputCallback(cb device.OutputCallback) {
	o.mu.Lock()
	o.cb = cb
	o.mu.Unlock()
}

func (o *Output) LastOutputPixelFormat() (pixelformat.Format, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastFormat == pixelformat.Auto {
		return pixelformat.Auto, device.ErrNotEnabled
	}
	return o.lastFormat, nil
}

// Tick advances one vertical refresh. Due frames complete in display-time
// order: the newest is shown, older ones are dropped, and a frame whose
// slot already passed is reported late.
func (o *Output) Tick() {
	o.mu.Lock()
	if !o.playing {
		o.mu.Unlock()
		return
	}
	fd := o.mode.FrameDuration()
	now := o.origin + o.ticks*fd
	o.ticks++

	var due, rest []scheduledFrame
	for _, s := range o.scheduled {
		if s.at <= now {
			due = append(due, s)
		} else {
			rest = append(rest, s)
		}
	}
	o.scheduled = rest
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })

	results := make([]device.CompletionResult, len(due))
	for i, s := range due {
		switch {
		case i < len(due)-1:
			results[i] = device.Dropped
		case s.at < now:
			results[i] = device.DisplayedLate
		default:
			results[i] = device.Completed
		}
		if len(o.overrides) > 0 {
			results[i] = o.overrides[0]
			o.overrides = o.overrides[1:]
		}
	}

	var shown device.Frame
	if n := len(due); n > 0 && results[n-1] != device.Dropped {
		shown = due[n-1].frame
		o.lastFormat = shown.PixelFormat()
		d := Displayed{
			Sequence: o.ticks - 1,
			Flags:    shown.Flags(),
			Format:   shown.PixelFormat(),
			Result:   results[n-1],
			Timecode: timecode.None,
		}
		if mf, ok := shown.(device.MutableFrame); ok {
			d.Timecode = mf.Timecode()
		}
		if md, ok := shown.(device.MetadataFrame); ok && shown.Flags()&device.FlagContainsHDRMetadata != 0 {
			m := md.HDRMetadata()
			d.Metadata = &m
		}
		o.displayed = append(o.displayed, d)
		if len(o.displayed) > 256 {
			o.displayed = o.displayed[len(o.displayed)-256:]
		}
	}

	var renderAudio bool
	if o.audioEnabled && !o.audioPreroll {
		perFrame := int(int64(48000) * fd / timecode.FlicksPerSecond)
		o.audioBuffered = max(o.audioBuffered-perFrame, 0)
		renderAudio = true
	}
	cb, acb, hook := o.cb, o.acb, o.onDisplay
	o.mu.Unlock()

	if hook != nil && shown != nil {
		hook(shown)
	}
	if cb != nil {
		for i, s := range due {
			cb.ScheduledFrameCompleted(s.frame, results[i])
		}
	}
	if renderAudio && acb != nil {
		acb.RenderAudioSamples(false)
	}
}

// InjectResults overrides the completion result of the next frames.
func (o *Output) InjectResults(results ...device.CompletionResult) {
	o.mu.Lock()
	o.overrides = append(o.overrides, results...)
	o.mu.Unlock()
}

// FailScheduling makes ScheduleFrame return err until cleared with nil.
func (o *Output) FailScheduling(err error) {
	o.mu.Lock()
	o.schedErr = err
	o.mu.Unlock()
}

// SetDisplayHook registers a function called with every shown frame. It
// runs on the refresh goroutine and must copy what it keeps.
func (o *Output) SetDisplayHook(fn func(device.Frame)) {
	o.mu.Lock()
	o.onDisplay = fn
	o.mu.Unlock()
}

// Displayed returns the most recent shown frames, oldest first.
func (o *Output) Displayed() []Displayed {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Displayed, len(o.displayed))
	copy(out, o.displayed)
	return out
}

// Playing reports whether scheduled playback is running.
func (o *Output) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

// Frames is the number of frames currently allocated.
func (o *Output) Frames() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *Output) EnableAudioOutput(sampleRate, channels int) error {
	if sampleRate != 48000 {
		return device.ErrInvalidArgument
	}
	switch channels {
	case 2, 8, 16:
	default:
		return device.ErrInvalidArgument
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.audioEnabled {
		return device.ErrAccessDenied
	}
	o.audioEnabled = true
	o.audioChannels = channels
	o.audioBuffered = 0
	return nil
}

func (o *Output) DisableAudioOutput() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.audioEnabled {
		return device.ErrNotEnabled
	}
	o.audioEnabled = false
	o.audioPreroll = false
	return nil
}

func (o *Output) SetAudioCallback(cb device.AudioOutputCallback) {
	o.mu.Lock()
	o.acb = cb
	o.mu.Unlock()
}

// BeginAudioPreroll asks the callback for the first batch of samples.
func (o *Output) BeginAudioPreroll() error {
	o.mu.Lock()
	if !o.audioEnabled {
		o.mu.Unlock()
		return device.ErrNotEnabled
	}
	o.audioPreroll = true
	acb := o.acb
	o.mu.Unlock()

	if acb != nil {
		acb.RenderAudioSamples(true)
	}
	return nil
}

func (o *Output) EndAudioPreroll() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.audioEnabled {
		return device.ErrNotEnabled
	}
	o.audioPreroll = false
	return nil
}

func (o *Output) ScheduleAudioSamples(samples []int32, sampleFrames int, streamTime, timeScale int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.audioEnabled {
		return 0, device.ErrNotEnabled
	}
	if o.audioChannels == 0 || len(samples) < sampleFrames*o.audioChannels {
		return 0, device.ErrInvalidArgument
	}
	n := min(sampleFrames, o.opts.AudioCapacity-o.audioBuffered)
	o.audioBuffered += n
	o.audioWritten += int64(n)
	return n, nil
}

func (o *Output) BufferedAudioSampleFrameCount() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.audioEnabled {
		return 0, device.ErrNotEnabled
	}
	return o.audioBuffered, nil
}

func (o *Output) FlushBufferedAudioSamples() error {
	o.mu.Lock()
	o.audioBuffered = 0
	o.mu.Unlock()
	return nil
}

// AudioWritten is the total number of sample frames accepted.
func (o *Output) AudioWritten() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.audioWritten
}

func (o *Output) Keyer() device.Keyer {
	if o.keyer == nil {
		return nil
	}
	return o.keyer
}

func (o *Output) SupportsLinkMode(l device.LinkMode) bool {
	if l == device.LinkSingle {
		return true
	}
	for _, m := range o.opts.LinkModes {
		if m == l {
			return true
		}
	}
	return false
}

func (o *Output) SetLinkMode(l device.LinkMode) error {
	if !o.SupportsLinkMode(l) {
		return device.ErrUnsupportedFeature
	}
	o.mu.Lock()
	o.link = l
	o.mu.Unlock()
	return nil
}

// LinkMode is the configured link mode.
func (o *Output) LinkMode() device.LinkMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.link
}

func (o *Output) IsReferenceLocked() bool {
	return o.opts.ReferenceLocked
}

// Keyer is a simulated keyer.
type Keyer struct {
	mu       sync.Mutex
	enabled  bool
	external bool
	level    uint8
}

func (k *Keyer) Enable(external bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enabled = true
	k.external = external
	return nil
}

func (k *Keyer) SetLevel(level uint8) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.enabled {
		return device.ErrNotEnabled
	}
	k.level = level
	return nil
}

func (k *Keyer) Disable() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enabled = false
	return nil
}

// State reports the keyer configuration.
func (k *Keyer) State() (enabled, external bool, level uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enabled, k.external, k.level
}
