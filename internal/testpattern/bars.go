package testpattern

import (
	"image"
	"image/color"
)

// 75% bars, left to right.
var barColors = []color.RGBA{
	{R: 191, G: 191, B: 191, A: 255},
	{R: 191, G: 191, B: 0, A: 255},
	{R: 0, G: 191, B: 191, A: 255},
	{R: 0, G: 191, B: 0, A: 255},
	{R: 191, G: 0, B: 191, A: 255},
	{R: 191, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 191, A: 255},
}

// The castellation row under the main bars.
var reverseColors = []color.RGBA{
	{R: 0, G: 0, B: 191, A: 255},
	{R: 16, G: 16, B: 16, A: 255},
	{R: 191, G: 0, B: 191, A: 255},
	{R: 16, G: 16, B: 16, A: 255},
	{R: 0, G: 191, B: 191, A: 255},
	{R: 16, G: 16, B: 16, A: 255},
	{R: 191, G: 191, B: 191, A: 255},
}

var (
	black = color.RGBA{R: 16, G: 16, B: 16, A: 255}
	white = color.RGBA{R: 235, G: 235, B: 235, A: 255}
)

// DrawBars paints SMPTE style color bars over the whole image.
func DrawBars(img *image.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	top := h * 2 / 3
	mid := top + h/12

	column := func(i, n int) (int, int) {
		return b.Min.X + i*w/n, b.Min.X + (i+1)*w/n
	}
	for i, c := range barColors {
		x0, x1 := column(i, len(barColors))
		FillRect(img, image.Rect(x0, b.Min.Y, x1, b.Min.Y+top), c)
	}
	for i, c := range reverseColors {
		x0, x1 := column(i, len(reverseColors))
		FillRect(img, image.Rect(x0, b.Min.Y+top, x1, b.Min.Y+mid), c)
	}

	// Bottom row: white patch, black, then the pluge steps.
	FillRect(img, image.Rect(b.Min.X, b.Min.Y+mid, b.Max.X, b.Max.Y), black)
	x0, x1 := column(1, 6)
	FillRect(img, image.Rect(x0, b.Min.Y+mid, x1, b.Max.Y), white)
	steps := []uint8{7, 16, 25}
	for i, v := range steps {
		px0, px1 := column(12+i, 18)
		FillRect(img, image.Rect(px0, b.Min.Y+mid, px1, b.Max.Y), color.RGBA{R: v, G: v, B: v, A: 255})
	}
}

// Sweep is a small white box that moves one step per frame along the
// bottom of the picture so motion is visible in previews.
type Sweep struct {
	Size int
}

func (s *Sweep) Name() string { return "sweep" }

func (s *Sweep) Render(img *image.RGBA, f Frame) error {
	b := img.Bounds()
	size := s.Size
	if size <= 0 {
		size = max(b.Dy()/20, 2)
	}
	span := b.Dx() - size
	if span <= 0 {
		return nil
	}
	x := b.Min.X + int(f.Count*int64(size/2+1)%int64(span))
	y := b.Max.Y - size*2
	FillRect(img, image.Rect(x, y, x+size, y+size), white)
	return nil
}
