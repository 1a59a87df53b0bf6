package audio

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framelink/internal/device"
)

type scheduled struct {
	frames     int
	streamTime int64
}

// fakeAudio accepts at most accept sample frames per schedule call when
// accept is positive.
type fakeAudio struct {
	enableErr  error
	prerollErr error
	buffered   int
	accept     int
	calls      []scheduled
	prerolling bool
	ended      int
	flushed    bool
	cb         device.AudioOutputCallback
}

func (f *fakeAudio) EnableAudioOutput(int, int) error { return f.enableErr }
func (f *fakeAudio) DisableAudioOutput() error        { return nil }
func (f *fakeAudio) SetAudioCallback(cb device.AudioOutputCallback) {
	f.cb = cb
}
func (f *fakeAudio) BeginAudioPreroll() error {
	if f.prerollErr != nil {
		return f.prerollErr
	}
	f.prerolling = true
	return nil
}
func (f *fakeAudio) EndAudioPreroll() error {
	f.prerolling = false
	f.ended++
	return nil
}
func (f *fakeAudio) ScheduleAudioSamples(_ []int32, frames int, streamTime, _ int64) (int, error) {
	n := frames
	if f.accept > 0 && n > f.accept {
		n = f.accept
	}
	f.calls = append(f.calls, scheduled{frames: n, streamTime: streamTime})
	f.buffered += n
	return n, nil
}
func (f *fakeAudio) BufferedAudioSampleFrameCount() (int, error) { return f.buffered, nil }
func (f *fakeAudio) FlushBufferedAudioSamples() error {
	f.flushed = true
	f.buffered = 0
	return nil
}

func TestChunkConsume(t *testing.T) {
	t.Parallel()

	c := NewChunk(8)
	copy(c.Writable(), []int32{1, 2, 3, 4, 5, 6})
	c.SetLength(6)
	c.Consume(4)
	if got := c.SampleCount(); got != 2 {
		t.Errorf("SampleCount: got %d, want 2", got)
	}
	if got := c.Samples()[0]; got != 5 {
		t.Errorf("Samples()[0]: got %d, want 5", got)
	}
	c.Consume(10)
	if got := c.SampleCount(); got != 0 {
		t.Errorf("SampleCount after over-consume: got %d, want 0", got)
	}
}

func TestFloatToInt32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float32
		want int32
	}{
		{0, 0},
		{1, math.MaxInt32},
		{2, math.MaxInt32},
		{-1, -math.MaxInt32},
		{-7, -math.MaxInt32},
		{0.5, 1073741823},
	}
	for _, tt := range tests {
		if got := FloatToInt32(tt.in); got != tt.want {
			t.Errorf("FloatToInt32(%v): got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQueueRecyclesChunks(t *testing.T) {
	t.Parallel()

	var q Queue
	q.FeedFloat(make([]float32, 16))
	c, ok := q.PopFront()
	if !ok {
		t.Fatal("PopFront: queue empty")
	}
	q.Recycle(c)
	q.FeedFloat(make([]float32, 8))
	again, _ := q.PopFront()
	if again != c {
		t.Error("FeedFloat: want recycled chunk reused")
	}
	if got := again.Capacity(); got != 16 {
		t.Errorf("Capacity: got %d, want 16 (no shrink)", got)
	}

	q.Recycle(again)
	q.FeedFloat(make([]float32, 32))
	grown, _ := q.PopFront()
	if got := grown.Capacity(); got < 32 {
		t.Errorf("Capacity after large feed: got %d, want >= 32", got)
	}
}

func TestStartRejectsSampleRate(t *testing.T) {
	t.Parallel()

	o := NewOutput(&fakeAudio{}, zerolog.Nop())
	err := o.Start(Config{SampleRate: 44100, Channels: 2}, 1001, 60000)
	if !errors.Is(err, ErrUnsupportedSampleRate) {
		t.Fatalf("Start: got %v, want ErrUnsupportedSampleRate", err)
	}
	if got, want := err.Error(), "Blackmagic audio output only supports 48kHz. Received 44100"; got != want {
		t.Errorf("message: got %q, want %q", got, want)
	}
}

func TestStartErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dev     *fakeAudio
		want    error
		message string
	}{
		{"channels", &fakeAudio{enableErr: device.ErrInvalidArgument}, ErrUnsupportedChannels, "Unsupported audio channel count: 2"},
		{"busy", &fakeAudio{enableErr: device.ErrAccessDenied}, ErrUnavailable, "Audio hardware not available."},
		{"other", &fakeAudio{enableErr: errors.New("boom")}, ErrOpen, "Can't open audio output."},
		{"preroll", &fakeAudio{prerollErr: errors.New("boom")}, ErrPreroll, "Can't preroll audio."},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o := NewOutput(tt.dev, zerolog.Nop())
			err := o.Start(Config{SampleRate: SampleRate, Channels: 2, Preroll: 3}, 1001, 60000)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start: got %v, want %v", err, tt.want)
			}
			if got := err.Error(); got != tt.message {
				t.Errorf("message: got %q, want %q", got, tt.message)
			}
			if tt.dev.cb != nil {
				t.Error("callback left installed after failed start")
			}
		})
	}
}

func TestPrerollSilence(t *testing.T) {
	t.Parallel()

	dev := &fakeAudio{}
	o := NewOutput(dev, zerolog.Nop())
	if err := o.Start(Config{SampleRate: SampleRate, Channels: 2, Preroll: 3}, 1001, 60000); err != nil {
		t.Fatal(err)
	}
	// 1001/60000 s at 48 kHz is 800.8 sample frames, truncated to 800.
	if got, want := o.Pending(), 3*800*2; got != want {
		t.Errorf("Pending: got %d, want %d", got, want)
	}
	if !dev.prerolling || !o.Prerolling() {
		t.Error("preroll not started")
	}
}

func TestRenderFillsToLevel(t *testing.T) {
	t.Parallel()

	dev := &fakeAudio{buffered: 1000}
	o := NewOutput(dev, zerolog.Nop())
	o.channels = 2
	for i := 0; i < 4; i++ {
		o.Feed(make([]float32, 10000*2))
	}

	o.RenderAudioSamples(false)

	// 23000 frames are needed, which takes three whole chunks.
	if got := len(dev.calls); got != 3 {
		t.Fatalf("ScheduleAudioSamples calls: got %d, want 3", got)
	}
	for i, want := range []int64{0, 10000, 20000} {
		if got := dev.calls[i].streamTime; got != want {
			t.Errorf("call %d stream time: got %d, want %d", i, got, want)
		}
	}
	if got, want := o.StreamTime(), int64(30000); got != want {
		t.Errorf("StreamTime: got %d, want %d", got, want)
	}
	if got := o.queue.Len(); got != 1 {
		t.Errorf("queued chunks: got %d, want 1", got)
	}
}

func TestRenderPartialWrite(t *testing.T) {
	t.Parallel()

	dev := &fakeAudio{accept: 300}
	o := NewOutput(dev, zerolog.Nop())
	o.channels = 2
	o.Feed(make([]float32, 1000*2))

	o.RenderAudioSamples(false)

	if got := o.Pending(); got != 700*2 {
		t.Errorf("Pending after partial write: got %d, want %d", got, 700*2)
	}
	if got := o.StreamTime(); got != 300 {
		t.Errorf("StreamTime: got %d, want 300", got)
	}
}

func TestRenderEndsPrerollWhenFull(t *testing.T) {
	t.Parallel()

	dev := &fakeAudio{}
	o := NewOutput(dev, zerolog.Nop())
	if err := o.Start(Config{SampleRate: SampleRate, Channels: 2, Preroll: 1}, 1, 1); err != nil {
		t.Fatal(err)
	}
	dev.buffered = BufferedLevel + 1

	o.RenderAudioSamples(true)

	if dev.ended != 1 || o.Prerolling() {
		t.Errorf("EndAudioPreroll calls: got %d, want 1", dev.ended)
	}
	if len(dev.calls) != 0 {
		t.Errorf("ScheduleAudioSamples calls: got %d, want 0", len(dev.calls))
	}

	o.Stop()
	o.Stop()
	if !dev.flushed || dev.cb != nil {
		t.Error("Stop: audio not flushed or callback still set")
	}
}

func TestFeedDropsPartialFrames(t *testing.T) {
	t.Parallel()

	dev := &fakeAudio{}
	o := NewOutput(dev, zerolog.Nop())
	o.channels = 2
	o.Feed(make([]float32, 3))
	o.Feed(make([]float32, 4000*2))
	if got := o.Pending(); got != 2+4000*2 {
		t.Fatalf("Pending after feed: got %d, want %d", got, 2+4000*2)
	}

	o.RenderAudioSamples(false)
	dev.buffered = 0
	o.RenderAudioSamples(false)

	if got := len(dev.calls); got != 2 {
		t.Fatalf("ScheduleAudioSamples calls: got %d, want 2", got)
	}
	if dev.calls[0].frames != 1 || dev.calls[1].frames != 4000 {
		t.Errorf("scheduled frames: got %d and %d, want 1 and 4000", dev.calls[0].frames, dev.calls[1].frames)
	}
	if got := o.Pending(); got != 0 {
		t.Errorf("Pending after render: got %d, want 0", got)
	}
	if got := o.StreamTime(); got != 4001 {
		t.Errorf("StreamTime: got %d, want 4001", got)
	}
	if got := o.queue.Len(); got != 0 {
		t.Errorf("queued chunks: got %d, want 0", got)
	}
}

func TestRenderSkipsChunkShorterThanAFrame(t *testing.T) {
	t.Parallel()

	dev := &fakeAudio{}
	o := NewOutput(dev, zerolog.Nop())
	o.channels = 2
	o.queue.FeedInt32([]int32{1})
	o.Feed(make([]float32, 100*2))

	o.RenderAudioSamples(false)

	if got := len(dev.calls); got != 1 || dev.calls[0].frames != 100 {
		t.Errorf("scheduled: got %+v, want one call of 100 frames", dev.calls)
	}
	if got := o.Pending(); got != 0 {
		t.Errorf("Pending after render: got %d, want 0", got)
	}
}
