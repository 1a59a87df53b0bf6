package streams

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/handle"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/input"
	"github.com/bryanchriswhite/framelink/internal/metrics"
	"github.com/bryanchriswhite/framelink/internal/output"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
)

func mustMode(t *testing.T, name string) device.DisplayMode {
	t.Helper()
	m, err := device.LookupMode(name)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newManager(t *testing.T, opts SimOptions) (*Manager, *SimDevices) {
	t.Helper()
	devs := NewSimDevices(opts)
	m := NewManager(devs, nil)
	t.Cleanup(m.Shutdown)
	return m, devs
}

func mustID(t *testing.T, s string) handle.ID {
	t.Helper()
	id, err := handle.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

// next receives the next event of type want, skipping others.
func next(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestOutputStreamLifecycle(t *testing.T) {
	t.Parallel()

	m, devs := newManager(t, SimOptions{})
	info, err := m.OpenOutput(OutputRequest{Config: output.Config{Mode: mustMode(t, "NTSC")}})
	if err != nil {
		t.Fatal(err)
	}
	if info.Direction != metrics.Output {
		t.Errorf("direction: got %s, want %s", info.Direction, metrics.Output)
	}
	if info.PixelFormat != pixelformat.YUV8.String() {
		t.Errorf("auto pixel format: got %s, want %s", info.PixelFormat, pixelformat.YUV8)
	}
	if info.Session == "" {
		t.Errorf("session id is empty")
	}
	id := mustID(t, info.ID)

	events, cancel, err := m.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	sim, err := devs.SimOutput(0)
	if err != nil {
		t.Fatal(err)
	}
	sim.InjectResults(device.Completed, device.DisplayedLate)
	sim.Tick()
	sim.Tick()

	if ev := next(t, events, EventFrameCompleted); ev.Frame != 0 {
		t.Errorf("first completion: got frame %d, want 0", ev.Frame)
	}
	ev := next(t, events, EventStatus)
	if ev.Kind != device.FrameDisplayedLate.String() || ev.Status != device.StatusWarning.String() {
		t.Errorf("late report: got %s/%s, want %s/%s", ev.Status, ev.Kind, device.StatusWarning, device.FrameDisplayedLate)
	}

	got, err := m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Output == nil || got.Output.Completed != 2 {
		t.Errorf("completed: got %+v, want 2", got.Output)
	}

	body := scrape(t, m.Metrics())
	for _, want := range []string{
		"framelink_frames_completed_total 2",
		"framelink_frames_late_total 1",
		`framelink_streams_active{direction="output"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics: missing %q", want)
		}
	}

	if err := m.Close(id); err != nil {
		t.Fatal(err)
	}
	next(t, events, EventClosed)
	if _, open := <-events; open {
		t.Errorf("subscription still open after Close")
	}
	if _, err := m.Get(id); !errors.Is(err, handle.ErrStale) {
		t.Errorf("Get after Close: got %v, want %v", err, handle.ErrStale)
	}
	if err := m.Close(id); !errors.Is(err, handle.ErrStale) {
		t.Errorf("second Close: got %v, want %v", err, handle.ErrStale)
	}
	if !strings.Contains(scrape(t, m.Metrics()), `framelink_streams_active{direction="output"} 0`) {
		t.Errorf("streams_active not decremented")
	}
	if sim.Playing() {
		t.Errorf("device still playing after Close")
	}
}

func TestPatternPlaysFrames(t *testing.T) {
	t.Parallel()

	for _, mode := range []output.PlaybackMode{output.Async, output.Manual} {
		mode := mode
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			m, devs := newManager(t, SimOptions{Realtime: true, Speed: 20})
			info, err := m.OpenOutput(OutputRequest{
				Config: output.Config{
					Mode:        mustMode(t, "NTSC"),
					PixelFormat: pixelformat.BGRA8,
					Playback:    mode,
				},
				Pattern: true,
				Frames:  6,
			})
			if err != nil {
				t.Fatal(err)
			}
			id := mustID(t, info.ID)
			done, err := m.PatternDone(id)
			if err != nil {
				t.Fatal(err)
			}
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("pattern did not finish")
			}

			sim, _ := devs.SimOutput(0)
			deadline := time.Now().Add(2 * time.Second)
			for len(sim.Displayed()) == 0 {
				if time.Now().After(deadline) {
					t.Fatal("nothing displayed")
				}
				time.Sleep(time.Millisecond)
			}
			got, err := m.Get(id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Output.Queued < 6 {
				t.Errorf("queued: got %d, want at least 6", got.Output.Queued)
			}
		})
	}
}

func TestDeviceReservation(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, SimOptions{Count: 2})
	cfg := output.Config{Mode: mustMode(t, "PAL")}
	first, err := m.OpenOutput(OutputRequest{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenOutput(OutputRequest{Config: cfg}); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("second output on device 0: got %v, want %v", err, ErrDeviceBusy)
	}

	cfg.DeviceIndex = 1
	if _, err := m.OpenOutput(OutputRequest{Config: cfg}); err != nil {
		t.Errorf("output on device 1: %v", err)
	}
	if _, err := m.OpenInput(InputRequest{}); err != nil {
		t.Errorf("input on device 0: %v", err)
	}

	cfg.DeviceIndex = 7
	if _, err := m.OpenOutput(OutputRequest{Config: cfg}); !errors.Is(err, device.ErrInvalidDeviceIndex) {
		t.Errorf("device 7: got %v, want %v", err, device.ErrInvalidDeviceIndex)
	}

	if err := m.Close(mustID(t, first.ID)); err != nil {
		t.Fatal(err)
	}
	cfg.DeviceIndex = 0
	if _, err := m.OpenOutput(OutputRequest{Config: cfg}); err != nil {
		t.Errorf("reopen device 0: %v", err)
	}
	if got := len(m.List()); got != 3 {
		t.Errorf("List: got %d streams, want 3", got)
	}
}

func TestFailedStartReleasesDevice(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, SimOptions{})
	bad := output.Config{Mode: mustMode(t, "PAL"), Keying: output.KeyingInternal, PixelFormat: pixelformat.YUV8}
	if _, err := m.OpenOutput(OutputRequest{Config: bad}); err == nil {
		t.Fatal("keying without a keyer: got nil error")
	}
	if _, err := m.OpenOutput(OutputRequest{Config: output.Config{}}); !errors.Is(err, output.ErrUnsupportedDisplayMode) {
		t.Errorf("zero mode: got %v, want %v", err, output.ErrUnsupportedDisplayMode)
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("List after failures: got %d, want 0", got)
	}
	if _, err := m.OpenOutput(OutputRequest{Config: output.Config{Mode: mustMode(t, "PAL")}}); err != nil {
		t.Errorf("open after failed start: %v", err)
	}
}

func TestInputStreamEvents(t *testing.T) {
	t.Parallel()

	m, devs := newManager(t, SimOptions{})
	all, cancel, err := m.Subscribe(0)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	info, err := m.OpenInput(InputRequest{Config: input.Config{}})
	if err != nil {
		t.Fatal(err)
	}
	if info.Direction != metrics.Input || info.Mode != "NTSC" {
		t.Errorf("info: got %s %s, want input NTSC", info.Direction, info.Mode)
	}

	sim, err := devs.SimInput(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := sim.Deliver(); err != nil {
		t.Fatal(err)
	}
	ev := next(t, all, EventFrameArrived)
	if ev.Stream != info.ID || ev.Timecode != "00:00:00:00" {
		t.Errorf("frame event: got stream %s timecode %q, want %s 00:00:00:00", ev.Stream, ev.Timecode, info.ID)
	}

	if err := sim.ChangeSignal(mustMode(t, "1080p50"), device.DetectedSignal{Depth: pixelformat.Depth10}); err != nil {
		t.Fatal(err)
	}
	ev = next(t, all, EventFormatChanged)
	if ev.Format == nil || ev.Format.Name != "1080p50" || ev.Format.PixelFormat != pixelformat.YUV10 {
		t.Errorf("format event: got %+v, want 1080p50 10-bit YUV", ev.Format)
	}
	if ev.Format != nil && ev.Format.ColorSpace != hdr.Rec709 {
		t.Errorf("format color space: got %s, want %s", ev.Format.ColorSpace, hdr.Rec709)
	}

	sim.SetSignalPresent(false)
	if err := sim.Deliver(); err != nil {
		t.Fatal(err)
	}
	ev = next(t, all, EventStatus)
	if ev.Kind != device.NoInputSource.String() {
		t.Errorf("no signal: got kind %s, want %s", ev.Kind, device.NoInputSource)
	}

	body := scrape(t, m.Metrics())
	for _, want := range []string{
		"framelink_input_frames_total 1",
		"framelink_format_changes_total 1",
		`framelink_errors_total{kind="no_input_source",status="error"} 1`,
		`framelink_streams_active{direction="input"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics: missing %q", want)
		}
	}

	got, err := m.Get(mustID(t, info.ID))
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != "1080p50" || got.Input == nil || got.Input.Frames != 1 {
		t.Errorf("info after change: got mode %s input %+v", got.Mode, got.Input)
	}
}

func TestWrongDirection(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, SimOptions{})
	in, err := m.OpenInput(InputRequest{})
	if err != nil {
		t.Fatal(err)
	}
	id := mustID(t, in.ID)
	if _, err := m.Output(id); !errors.Is(err, ErrWrongDirection) {
		t.Errorf("Output(input): got %v, want %v", err, ErrWrongDirection)
	}
	if _, err := m.Input(id); err != nil {
		t.Errorf("Input(input): %v", err)
	}
	if done, err := m.PatternDone(id); err != nil || done != nil {
		t.Errorf("PatternDone(input): got %v, %v, want nil, nil", done, err)
	}
	if _, _, err := m.Subscribe(handle.ID(0xdead00000001)); !errors.Is(err, handle.ErrInvalid) {
		t.Errorf("Subscribe(unknown): got %v, want %v", err, handle.ErrInvalid)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, SimOptions{})
	if _, err := m.OpenOutput(OutputRequest{Config: output.Config{Mode: mustMode(t, "720p50")}}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenInput(InputRequest{}); err != nil {
		t.Fatal(err)
	}
	all, _, err := m.Subscribe(0)
	if err != nil {
		t.Fatal(err)
	}

	m.Shutdown()
	if got := len(m.List()); got != 0 {
		t.Errorf("List after Shutdown: got %d, want 0", got)
	}
	for range all {
		// drains the closed events until the hub closes the channel
	}
	if _, err := m.OpenInput(InputRequest{}); !errors.Is(err, ErrClosed) {
		t.Errorf("open after Shutdown: got %v, want %v", err, ErrClosed)
	}
}
