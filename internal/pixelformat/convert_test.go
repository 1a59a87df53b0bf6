package pixelformat

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/bryanchriswhite/framelink/internal/hdr"
)

// blocks builds an image of 2-pixel wide solid blocks so that chroma
// subsampling never mixes two colors.
func blocks(w, h int, colors []color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, colors[(x/2)%len(colors)])
		}
	}
	return img
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	return d >= -tol && d <= tol
}

func TestPackUnpack(t *testing.T) {
	t.Parallel()

	palette := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 191, G: 191, B: 0, A: 255},
		{R: 0, G: 191, B: 191, A: 255},
		{R: 0, G: 191, B: 0, A: 255},
		{R: 191, G: 0, B: 191, A: 255},
		{R: 191, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 191, A: 255},
		{R: 16, G: 16, B: 16, A: 255},
	}
	const w, h = 96, 4

	tests := []struct {
		format Format
		tol    int
	}{
		{YUV8, 3},
		{YUV10, 2},
		{ARGB8, 0},
		{BGRA8, 0},
		{RGB10, 0},
		{RGBX10, 0},
		{RGBXLE10, 0},
		{RGB12, 0},
		{RGBLE12, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.format.Key(), func(t *testing.T) {
			t.Parallel()
			src := blocks(w, h, palette)
			buf := make([]byte, FrameBytes(tt.format, w, h))
			for _, cs := range []hdr.ColorSpace{hdr.Rec601, hdr.Rec709, hdr.Rec2020} {
				if err := Pack(buf, tt.format, src, cs); err != nil {
					t.Fatalf("Pack: %v", err)
				}
				got, err := Unpack(buf, tt.format, w, h, cs)
				if err != nil {
					t.Fatalf("Unpack: %v", err)
				}
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						want := src.RGBAAt(x, y)
						c := got.RGBAAt(x, y)
						if !near(c.R, want.R, tt.tol) || !near(c.G, want.G, tt.tol) || !near(c.B, want.B, tt.tol) {
							t.Fatalf("%s pixel (%d,%d): got %v, want %v", cs, x, y, c, want)
						}
					}
				}
			}
		})
	}
}

func TestPackLayouts(t *testing.T) {
	t.Parallel()

	red := blocks(2, 1, []color.RGBA{{R: 255, A: 255}})
	tests := []struct {
		format Format
		want   []byte
	}{
		{ARGB8, []byte{255, 255, 0, 0}},
		{BGRA8, []byte{0, 0, 255, 255}},
		// 0x3ff << 20, big endian
		{RGB10, []byte{0x3f, 0xf0, 0x00, 0x00}},
		// 0x3ff << 22, big endian
		{RGBX10, []byte{0xff, 0xc0, 0x00, 0x00}},
		{RGBXLE10, []byte{0x00, 0x00, 0xc0, 0xff}},
	}
	for _, tt := range tests {
		buf := make([]byte, FrameBytes(tt.format, 2, 1))
		if err := Pack(buf, tt.format, red, hdr.Rec709); err != nil {
			t.Fatalf("%s: %v", tt.format, err)
		}
		for i, b := range tt.want {
			if buf[i] != b {
				t.Errorf("%s byte %d: got %#02x, want %#02x", tt.format, i, buf[i], b)
			}
		}
	}
}

func TestPackYUV8Black(t *testing.T) {
	t.Parallel()

	black := blocks(2, 1, []color.RGBA{{A: 255}})
	buf := make([]byte, FrameBytes(YUV8, 2, 1))
	if err := Pack(buf, YUV8, black, hdr.Rec709); err != nil {
		t.Fatal(err)
	}
	want := []byte{128, 16, 128, 16}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("byte %d: got %d, want %d", i, buf[i], want[i])
		}
	}
}

func TestConvertErrors(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	if err := Pack(make([]byte, 10), BGRA8, img, hdr.Rec709); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("short Pack: got %v, want %v", err, ErrShortBuffer)
	}
	if _, err := Unpack(make([]byte, 10), YUV10, 16, 16, hdr.Rec709); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("short Unpack: got %v, want %v", err, ErrShortBuffer)
	}
	if err := Pack(make([]byte, 4096), Auto, img, hdr.Rec709); err == nil {
		t.Errorf("Pack(Auto): got nil error")
	}
}
