package testpattern

import (
	"bytes"
	"errors"
	"image"
	"testing"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

func mustMode(t *testing.T, name string) device.DisplayMode {
	t.Helper()
	m, err := device.LookupMode(name)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRenderTimecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode  string
		count int64
		want  string
	}{
		{"1080p25", 0, "00:00:00:00"},
		{"1080p25", 25*60 + 3, "00:01:00:03"},
		{"1080p29.97", 30, "00:00:01;00"},
		{"720p50", 51, "00:00:01:01"},
	}
	for _, tt := range tests {
		mode := mustMode(t, tt.mode)
		g, err := New(mode, pixelformat.BGRA8, hdr.Rec709)
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, g.FrameBytes())
		bcd, err := g.Render(buf, tt.count)
		if err != nil {
			t.Fatalf("%s: %v", tt.mode, err)
		}
		tc, ok := timecode.FromBCD(mode.FrameDuration(), bcd)
		if !ok {
			t.Fatalf("%s: Render returned no timecode", tt.mode)
		}
		if got := tc.String(); got != tt.want {
			t.Errorf("%s frame %d: got %s, want %s", tt.mode, tt.count, got, tt.want)
		}
	}
}

func TestRenderDrawsBars(t *testing.T) {
	t.Parallel()

	mode := mustMode(t, "720p50")
	g, err := New(mode, pixelformat.BGRA8, hdr.Rec709)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, g.FrameBytes())
	if _, err := g.Render(buf, 0); err != nil {
		t.Fatal(err)
	}
	img, err := pixelformat.Unpack(buf, pixelformat.BGRA8, mode.Width, mode.Height, hdr.Rec709)
	if err != nil {
		t.Fatal(err)
	}

	// Sample the middle of each bar, below the burn-in.
	y := mode.Height / 2
	for i, want := range barColors {
		x := (2*i + 1) * mode.Width / (2 * len(barColors))
		if got := img.RGBAAt(x, y); got != want {
			t.Errorf("bar %d: got %v, want %v", i, got, want)
		}
	}
}

func TestFramesDiffer(t *testing.T) {
	t.Parallel()

	g, err := New(mustMode(t, "NTSC"), pixelformat.YUV8, hdr.Rec601)
	if err != nil {
		t.Fatal(err)
	}
	a := make([]byte, g.FrameBytes())
	b := make([]byte, g.FrameBytes())
	if _, err := g.Render(a, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Render(b, 2); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Errorf("consecutive frames are identical")
	}
}

type failingLayer struct{ err error }

func (l failingLayer) Name() string                    { return "failing" }
func (l failingLayer) Render(*image.RGBA, Frame) error { return l.err }

func TestRenderErrors(t *testing.T) {
	t.Parallel()

	mode := mustMode(t, "PAL")
	if _, err := New(mode, pixelformat.Auto, hdr.Rec601); err == nil {
		t.Errorf("New(Auto): got nil error")
	}

	g, err := New(mode, pixelformat.YUV10, hdr.Rec601)
	if err != nil {
		t.Fatal(err)
	}
	bcd, err := g.Render(make([]byte, 16), 0)
	if !errors.Is(err, pixelformat.ErrShortBuffer) {
		t.Errorf("short buffer: got %v, want %v", err, pixelformat.ErrShortBuffer)
	}
	if bcd != timecode.None {
		t.Errorf("short buffer timecode: got %#x, want %#x", bcd, timecode.None)
	}

	boom := errors.New("boom")
	g.AddLayer(failingLayer{err: boom})
	if _, err := g.Render(make([]byte, g.FrameBytes()), 0); !errors.Is(err, boom) {
		t.Errorf("layer failure: got %v, want %v", err, boom)
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	before := append([]byte(nil), img.Pix...)
	if err := NewLabel("framelink", 0.5, 0.5).Render(img, Frame{}); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, img.Pix) {
		t.Errorf("label drew nothing")
	}
}
