// Package streams owns the running output and input streams. Each stream
// is addressed by an opaque handle, logs under its own session id, feeds
// the metrics and publishes its callbacks as events.
package streams

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/handle"
	"github.com/bryanchriswhite/framelink/internal/input"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/metrics"
	"github.com/bryanchriswhite/framelink/internal/output"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/preview"
	"github.com/bryanchriswhite/framelink/internal/testpattern"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

var (
	// ErrDeviceBusy is returned when a device already runs a stream in the
	// requested direction.
	ErrDeviceBusy = errors.New("device already has a stream in this direction")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("stream manager closed")
	// ErrWrongDirection is returned when an output operation targets an
	// input stream or the other way round.
	ErrWrongDirection = errors.New("stream has the wrong direction")
)

// OutputRequest opens an output stream.
type OutputRequest struct {
	Config output.Config
	// Pattern plays color bars with a timecode burn-in, paced by the
	// hardware's completions.
	Pattern bool
	// Frames ends the pattern after this many frames. Zero plays until the
	// stream is closed.
	Frames int64
}

// InputRequest opens an input stream.
type InputRequest struct {
	Config input.Config
}

// Info describes a stream for listings.
type Info struct {
	ID          string            `json:"id"`
	Session     string            `json:"session"`
	Direction   metrics.Direction `json:"direction"`
	Device      int               `json:"device"`
	Mode        string            `json:"mode"`
	PixelFormat string            `json:"pixel_format"`
	Started     time.Time         `json:"started"`
	Output      *output.Stats     `json:"output,omitempty"`
	Input       *input.Stats      `json:"input,omitempty"`
	Preview     preview.Stats     `json:"preview"`
}

type busyKey struct {
	dir    metrics.Direction
	device int
}

// Manager opens, tracks and closes streams.
type Manager struct {
	devices Devices
	metrics *metrics.Metrics
	log     *zerolog.Logger
	hub     *hub
	arena   handle.Arena[*stream]

	mu     sync.Mutex
	busy   map[busyKey]bool
	closed bool
}

// NewManager creates a manager over devices. m may be nil, in which case a
// private metrics set is created.
func NewManager(devices Devices, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		devices: devices,
		metrics: m,
		log:     logger.WithComponent("streams"),
		hub:     newHub(),
		busy:    make(map[busyKey]bool),
	}
}

// Metrics returns the metrics the streams feed.
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

func (m *Manager) reserve(dir metrics.Direction, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	k := busyKey{dir, index}
	if m.busy[k] {
		return fmt.Errorf("%w: %s %d", ErrDeviceBusy, dir, index)
	}
	m.busy[k] = true
	return nil
}

func (m *Manager) release(dir metrics.Direction, index int) {
	m.mu.Lock()
	delete(m.busy, busyKey{dir, index})
	m.mu.Unlock()
}

// resolveOutputFormat picks the best format the device supports when the
// request leaves it to the device.
func resolveOutputFormat(dev device.OutputDevice, cfg output.Config) pixelformat.Format {
	if cfg.PixelFormat != pixelformat.Auto {
		return cfg.PixelFormat
	}
	depth := pixelformat.Depth8
	if cfg.ColorSpace.WideGamut() {
		depth = pixelformat.Depth10
	}
	return pixelformat.Best(false, depth, func(f pixelformat.Format) bool {
		return dev.SupportsMode(cfg.Mode, f, cfg.Keying != output.KeyingNone)
	})
}

// OpenOutput starts an output stream.
func (m *Manager) OpenOutput(req OutputRequest) (Info, error) {
	cfg := req.Config
	if cfg.Mode.ID == 0 {
		return Info{}, fmt.Errorf("open output: %w", output.ErrUnsupportedDisplayMode)
	}
	dev, err := m.devices.Output(cfg.DeviceIndex)
	if err != nil {
		return Info{}, fmt.Errorf("open output: %w", err)
	}
	cfg.PixelFormat = resolveOutputFormat(dev, cfg)

	if err := m.reserve(metrics.Output, cfg.DeviceIndex); err != nil {
		return Info{}, err
	}

	s := m.newStream(metrics.Output, cfg.DeviceIndex, cfg.Mode)
	s.pixelFormat = cfg.PixelFormat
	opts := []output.Option{output.WithLogger(logger.WithStream("output", cfg.DeviceIndex, s.session))}
	if p, ok := m.devices.(DMAProvider); ok {
		if dma := p.DMA(cfg.DeviceIndex); dma != nil {
			opts = append(opts, output.WithGPU(dma))
		}
	}
	s.out = output.New(dev, output.Callbacks{
		OnError:          s.onError,
		OnFrameCompleted: s.onFrameCompleted,
	}, opts...)

	if req.Pattern {
		gen, err := testpattern.New(cfg.Mode, cfg.PixelFormat, cfg.ColorSpace)
		if err != nil {
			m.release(metrics.Output, cfg.DeviceIndex)
			return Info{}, fmt.Errorf("open output: %w", err)
		}
		s.gen = gen
	}

	s.id = m.arena.Insert(s)
	if err := s.out.Start(cfg); err != nil {
		_, _ = m.arena.Remove(s.id)
		m.release(metrics.Output, cfg.DeviceIndex)
		return Info{}, fmt.Errorf("open output: %w", err)
	}
	m.metrics.StreamOpened(metrics.Output)

	if s.gen != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.play(ctx, req.Frames)
	}

	s.log.Info().Str("id", s.id.String()).Str("mode", cfg.Mode.Name).
		Str("pixel_format", cfg.PixelFormat.String()).Bool("pattern", req.Pattern).
		Msg("Output stream opened")
	return s.info(), nil
}

// OpenInput starts an input stream.
func (m *Manager) OpenInput(req InputRequest) (Info, error) {
	cfg := req.Config
	dev, err := m.devices.Input(cfg.DeviceIndex)
	if err != nil {
		return Info{}, fmt.Errorf("open input: %w", err)
	}
	if err := m.reserve(metrics.Input, cfg.DeviceIndex); err != nil {
		return Info{}, err
	}

	s := m.newStream(metrics.Input, cfg.DeviceIndex, cfg.Mode)
	s.in = input.New(dev, input.Callbacks{
		OnError:         s.onError,
		OnFormatChanged: s.onFormatChanged,
		OnFrameArrived:  s.onFrameArrived,
	}).WithLogger(logger.WithStream("input", cfg.DeviceIndex, s.session))

	s.id = m.arena.Insert(s)
	desc, err := s.in.Start(cfg)
	if err != nil {
		_, _ = m.arena.Remove(s.id)
		m.release(metrics.Input, cfg.DeviceIndex)
		return Info{}, fmt.Errorf("open input: %w", err)
	}
	s.setFormat(desc)
	m.metrics.StreamOpened(metrics.Input)

	s.log.Info().Str("id", s.id.String()).Str("format", desc.String()).Msg("Input stream opened")
	return s.info(), nil
}

func (m *Manager) newStream(dir metrics.Direction, index int, mode device.DisplayMode) *stream {
	session := uuid.NewString()
	return &stream{
		m:       m,
		session: session,
		dir:     dir,
		device:  index,
		mode:    mode,
		started: time.Now(),
		preview: preview.New(preview.Config{}),
		log:     logger.WithStream("streams", index, session),
	}
}

// Close stops a stream and ends its subscriptions.
func (m *Manager) Close(id handle.ID) error {
	s, err := m.arena.Remove(id)
	if err != nil {
		return err
	}
	s.stop()
	m.release(s.dir, s.device)
	m.metrics.StreamClosed(s.dir)
	m.hub.publish(id, s.event(EventClosed))
	m.hub.closeStream(id)
	s.log.Info().Str("id", id.String()).Msg("Stream closed")
	return nil
}

// Shutdown closes every stream and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var ids []handle.ID
	m.arena.Each(func(id handle.ID, _ *stream) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := m.Close(id); err != nil && !errors.Is(err, handle.ErrStale) {
			m.log.Warn().Err(err).Str("id", id.String()).Msg("Failed to close stream")
		}
	}
	m.hub.closeAll()
}

func (m *Manager) get(id handle.ID) (*stream, error) {
	return m.arena.Get(id)
}

// Get describes one stream.
func (m *Manager) Get(id handle.ID) (Info, error) {
	s, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// List describes every stream in handle order.
func (m *Manager) List() []Info {
	var streams []*stream
	m.arena.Each(func(_ handle.ID, s *stream) bool {
		streams = append(streams, s)
		return true
	})
	infos := make([]Info, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.info())
	}
	return infos
}

// Subscribe returns a channel of events for one stream, or for every
// stream when id is zero. The returned function ends the subscription.
// The channel is closed when the stream closes.
func (m *Manager) Subscribe(id handle.ID) (<-chan Event, func(), error) {
	if id != 0 {
		if _, err := m.get(id); err != nil {
			return nil, nil, err
		}
	}
	sub := m.hub.subscribe(id)
	return sub.ch, func() { m.hub.unsubscribe(sub) }, nil
}

// DroppedEvents counts events lost to slow subscribers.
func (m *Manager) DroppedEvents() uint64 { return m.hub.dropped.Load() }

// Preview returns the stream's MJPEG preview.
func (m *Manager) Preview(id handle.ID) (*preview.Preview, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.preview, nil
}

// Output returns the scheduler behind an output stream.
func (m *Manager) Output(id handle.ID) (*output.Scheduler, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.out == nil {
		return nil, fmt.Errorf("%w: %s is an input", ErrWrongDirection, id)
	}
	return s.out, nil
}

// Input returns the negotiator behind an input stream.
func (m *Manager) Input(id handle.ID) (*input.Negotiator, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.in == nil {
		return nil, fmt.Errorf("%w: %s is an output", ErrWrongDirection, id)
	}
	return s.in, nil
}

// PatternDone is closed when the stream's test pattern has played its
// frames. It is nil for streams without a pattern.
func (m *Manager) PatternDone(id handle.ID) (<-chan struct{}, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.done == nil {
		return nil, nil
	}
	return s.done, nil
}

type stream struct {
	m       *Manager
	id      handle.ID
	session string
	dir     metrics.Direction
	device  int
	mode    device.DisplayMode
	started time.Time
	log     *zerolog.Logger

	out         *output.Scheduler
	pixelFormat pixelformat.Format
	gen         *testpattern.Generator
	cancel      context.CancelFunc
	done        chan struct{}
	lastQueued  atomic.Int64

	in       *input.Negotiator
	arrived  atomic.Int64
	formatMu sync.Mutex
	format   input.Descriptor

	preview *preview.Preview
}

func (s *stream) event(t EventType) Event {
	return Event{Stream: s.id.String(), Type: t, Time: time.Now(), Device: s.device}
}

func (s *stream) publish(ev Event) {
	s.m.hub.publish(s.id, ev)
}

func (s *stream) onError(_ int, status device.Status, kind device.ErrorKind, msg string) {
	s.m.metrics.Report(status, kind)
	if status == device.StatusOk {
		return
	}
	ev := s.event(EventStatus)
	ev.Status = status.String()
	ev.Kind = kind.String()
	ev.Message = msg
	s.publish(ev)
}

func (s *stream) syncQueued() {
	if s.out == nil {
		return
	}
	q := s.out.Stats().Queued
	for {
		prev := s.lastQueued.Load()
		if q <= prev {
			return
		}
		if s.lastQueued.CompareAndSwap(prev, q) {
			s.m.metrics.FramesQueued(q - prev)
			return
		}
	}
}

func (s *stream) onFrameCompleted(_ int, number int64) {
	s.m.metrics.FrameCompleted()
	s.syncQueued()
	ev := s.event(EventFrameCompleted)
	ev.Frame = number
	s.publish(ev)
}

func (s *stream) setFormat(d input.Descriptor) {
	s.formatMu.Lock()
	s.format = d
	s.formatMu.Unlock()
}

func (s *stream) currentFormat() input.Descriptor {
	s.formatMu.Lock()
	defer s.formatMu.Unlock()
	return s.format
}

func (s *stream) onFormatChanged(d input.Descriptor, msg string) {
	s.setFormat(d)
	s.m.metrics.FormatChanged()
	ev := s.event(EventFormatChanged)
	ev.Message = msg
	ev.Format = &d
	s.publish(ev)
}

func (s *stream) onFrameArrived(f input.Frame) {
	s.m.metrics.InputFrame()
	n := s.arrived.Add(1) - 1
	ev := s.event(EventFrameArrived)
	ev.Frame = n
	if tc, ok := timecode.FromBCD(f.FrameDuration, f.Timecode); ok {
		ev.Timecode = tc.String()
	}
	s.publish(ev)

	// Frame data is only valid during the callback, so decode now.
	cs := s.currentFormat().ColorSpace
	if err := s.preview.Offer(func() (*image.RGBA, error) {
		return pixelformat.Unpack(f.Data, f.PixelFormat, f.Width, f.Height, cs)
	}); err != nil && !errors.Is(err, preview.ErrClosed) {
		s.log.Debug().Err(err).Msg("Preview decode failed")
	}
}

func (s *stream) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		s.out.Stop()
	}
	if s.done != nil {
		<-s.done
	}
	if s.in != nil {
		s.in.Stop()
	}
	s.syncQueued()
	s.preview.Close()
}

func (s *stream) info() Info {
	info := Info{
		ID:        s.id.String(),
		Session:   s.session,
		Direction: s.dir,
		Device:    s.device,
		Mode:      s.mode.Name,
		Started:   s.started,
		Preview:   s.preview.Stats(),
	}
	if s.out != nil {
		st := s.out.Stats()
		info.Output = &st
		info.PixelFormat = s.pixelFormat.String()
	}
	if s.in != nil {
		st := s.in.Stats()
		info.Input = &st
		info.Mode = st.Format.Name
		info.PixelFormat = st.Format.PixelFormat.String()
	}
	return info
}
