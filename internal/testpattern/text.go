package testpattern

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Text draws a line of text in a box. When Content is nil the frame's
// timecode is drawn.
type Text struct {
	Content func(f Frame) string
	// X and Y position the box as a fraction of the picture size.
	X, Y       float64
	Scale      int
	Color      color.RGBA
	Background *color.RGBA
	Opacity    float64
	Padding    int
}

// NewTimecode returns the standard burn-in: white timecode on a black box,
// centered near the top of the picture.
func NewTimecode() *Text {
	return &Text{
		X:          0.5,
		Y:          0.1,
		Color:      color.RGBA{R: 235, G: 235, B: 235, A: 255},
		Background: &color.RGBA{R: 16, G: 16, B: 16, A: 255},
		Opacity:    1,
		Padding:    3,
	}
}

// NewLabel draws a fixed string.
func NewLabel(s string, x, y float64) *Text {
	t := NewTimecode()
	t.Content = func(Frame) string { return s }
	t.X, t.Y = x, y
	return t
}

func (t *Text) Name() string { return "text" }

// Render draws the text centered on (X, Y).
func (t *Text) Render(img *image.RGBA, f Frame) error {
	s := f.Timecode.String()
	if t.Content != nil {
		s = t.Content(f)
	}
	if s == "" {
		return nil
	}

	face := basicfont.Face7x13
	height := face.Metrics().Height.Ceil()
	width := font.MeasureString(face, s).Ceil()

	// Render at the face's native size, then scale up by pixel repetition.
	glyphs := image.NewRGBA(image.Rect(0, 0, width+2*t.Padding, height+2*t.Padding))
	if t.Background != nil {
		FillRect(glyphs, glyphs.Bounds(), *t.Background)
	}
	d := &font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(t.Color),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(t.Padding), Y: fixed.I(t.Padding) + face.Metrics().Ascent},
	}
	d.DrawString(s)

	b := img.Bounds()
	scale := t.Scale
	if scale <= 0 {
		scale = max(b.Dy()/(height*12), 1)
	}
	box := upscale(glyphs, scale)
	x := b.Min.X + int(t.X*float64(b.Dx())) - box.Bounds().Dx()/2
	y := b.Min.Y + int(t.Y*float64(b.Dy())) - box.Bounds().Dy()/2
	opacity := t.Opacity
	if opacity <= 0 {
		opacity = 1
	}
	BlendImage(img, box, x, y, opacity)
	return nil
}

func upscale(src *image.RGBA, n int) *image.RGBA {
	if n == 1 {
		return src
	}
	sb := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, sb.Dx()*n, sb.Dy()*n))
	for y := 0; y < dst.Bounds().Dy(); y++ {
		for x := 0; x < dst.Bounds().Dx(); x++ {
			dst.SetRGBA(x, y, src.RGBAAt(sb.Min.X+x/n, sb.Min.Y+y/n))
		}
	}
	return dst
}
