package testpattern

import (
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/logger"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

// Generator renders successive frames of the pattern for one display mode
// and pixel format.
type Generator struct {
	mode       device.DisplayMode
	format     pixelformat.Format
	colorSpace hdr.ColorSpace
	dropFrame  bool

	mu     sync.Mutex
	layers []Layer
	base   *image.RGBA
	canvas *image.RGBA
}

// New creates a generator with the bars, a sweep and a timecode burn-in.
func New(mode device.DisplayMode, format pixelformat.Format, cs hdr.ColorSpace) (*Generator, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("test pattern: unsupported pixel format %s", format)
	}
	if mode.Width <= 0 || mode.Height <= 0 {
		return nil, fmt.Errorf("test pattern: invalid mode %q", mode.Name)
	}
	rect := image.Rect(0, 0, mode.Width, mode.Height)
	g := &Generator{
		mode:       mode,
		format:     format,
		colorSpace: cs,
		// 29.97 and 59.94 count in drop frame.
		dropFrame: mode.Duration == 1001 && mode.TimeScale%30000 == 0,
		base:      image.NewRGBA(rect),
		canvas:    image.NewRGBA(rect),
	}
	DrawBars(g.base)
	g.layers = []Layer{&Sweep{}, NewTimecode()}
	return g, nil
}

// AddLayer draws l over the existing layers.
func (g *Generator) AddLayer(l Layer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.layers = append(g.layers, l)
	logger.WithComponent("testpattern").Debug().Str("layer", l.Name()).Msg("Added layer")
}

// FrameBytes is the buffer size Render needs.
func (g *Generator) FrameBytes() int {
	return pixelformat.FrameBytes(g.format, g.mode.Width, g.mode.Height)
}

// Timecode is the timecode stamped on frame count.
func (g *Generator) Timecode(count int64) timecode.Timecode {
	return timecode.FromFrameCount(count, g.mode.FrameDuration(), g.dropFrame)
}

// Render draws frame count into dst and returns its packed timecode.
func (g *Generator) Render(dst []byte, count int64) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tc := g.Timecode(count)
	copy(g.canvas.Pix, g.base.Pix)
	f := Frame{Count: count, Timecode: tc}
	for _, l := range g.layers {
		if err := l.Render(g.canvas, f); err != nil {
			return timecode.None, fmt.Errorf("render %s layer: %w", l.Name(), err)
		}
	}
	if err := pixelformat.Pack(dst, g.format, g.canvas, g.colorSpace); err != nil {
		return timecode.None, err
	}
	return tc.BCD(), nil
}

// Image returns a copy of the last rendered frame.
func (g *Generator) Image() *image.RGBA {
	g.mu.Lock()
	defer g.mu.Unlock()
	img := image.NewRGBA(g.canvas.Rect)
	copy(img.Pix, g.canvas.Pix)
	return img
}
