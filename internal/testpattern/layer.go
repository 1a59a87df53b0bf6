// Package testpattern renders color bars with a burned-in timecode into
// frame buffers of any supported pixel format.
package testpattern

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/bryanchriswhite/framelink/internal/timecode"
)

// Frame carries what layers may draw for one output frame.
type Frame struct {
	// Count is the zero-based frame number since the pattern started.
	Count    int64
	Timecode timecode.Timecode
}

// Layer is drawn over the bars in the order layers were added.
type Layer interface {
	// Name identifies the layer in logs
	Name() string

	// Render draws the layer onto img
	Render(img *image.RGBA, f Frame) error
}

// BlendImage blends src onto dst at (x, y) with the given opacity. Pixels
// falling outside dst are clipped.
func BlendImage(dst *image.RGBA, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	db := dst.Bounds()

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + (sy - sb.Min.Y)
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + (sx - sb.Min.X)
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}

			s := src.RGBAAt(sx, sy)
			alpha := float64(s.A) / 255 * opacity
			if alpha <= 0 {
				continue
			}
			d := dst.RGBAAt(dx, dy)
			mix := func(a, b uint8) uint8 {
				return uint8(float64(a)*alpha + float64(b)*(1-alpha) + 0.5)
			}
			dst.SetRGBA(dx, dy, color.RGBA{R: mix(s.R, d.R), G: mix(s.G, d.G), B: mix(s.B, d.B), A: 255})
		}
	}
}

// FillRect fills r with c.
func FillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}
