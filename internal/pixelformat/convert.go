package pixelformat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/bryanchriswhite/framelink/internal/hdr"
)

// ErrShortBuffer is returned when a frame buffer is smaller than the
// format's stride times the line count.
var ErrShortBuffer = errors.New("frame buffer too small")

// luma holds the Kr/Kb coefficients of a YCbCr matrix.
type luma struct{ kr, kb float64 }

func matrix(cs hdr.ColorSpace) luma {
	switch cs {
	case hdr.Rec601:
		return luma{0.299, 0.114}
	case hdr.Rec2020:
		return luma{0.2627, 0.0593}
	}
	return luma{0.2126, 0.0722}
}

// ycbcr converts 8-bit full range RGB to narrow range YCbCr at the given
// bit depth.
func (m luma) ycbcr(c color.RGBA, bits uint) (y, cb, cr uint32) {
	r := float64(c.R) / 255
	g := float64(c.G) / 255
	b := float64(c.B) / 255
	kg := 1 - m.kr - m.kb
	yf := m.kr*r + kg*g + m.kb*b
	cbf := (b - yf) / (2 * (1 - m.kb))
	crf := (r - yf) / (2 * (1 - m.kr))
	scale := float64(uint32(1) << (bits - 8))
	return uint32((16+219*yf)*scale + 0.5),
		uint32((128+224*cbf)*scale + 0.5),
		uint32((128+224*crf)*scale + 0.5)
}

func (m luma) rgb(y, cb, cr uint32, bits uint) color.RGBA {
	scale := float64(uint32(1) << (bits - 8))
	yf := (float64(y)/scale - 16) / 219
	cbf := (float64(cb)/scale - 128) / 224
	crf := (float64(cr)/scale - 128) / 224
	kg := 1 - m.kr - m.kb
	r := yf + 2*(1-m.kr)*crf
	b := yf + 2*(1-m.kb)*cbf
	g := (yf - m.kr*r - m.kb*b) / kg
	return color.RGBA{R: clamp8(r), G: clamp8(g), B: clamp8(b), A: 255}
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

func to10(v uint8) uint32   { return uint32(v)<<2 | uint32(v)>>6 }
func to12(v uint8) uint32   { return uint32(v)<<4 | uint32(v)>>4 }
func from10(v uint32) uint8 { return uint8((v & 0x3ff) >> 2) }
func from12(v uint32) uint8 { return uint8((v & 0xfff) >> 4) }

func checkSize(f Format, buf []byte, width, height int) (int, error) {
	stride := RowBytes(f, width)
	if stride == 0 {
		return 0, fmt.Errorf("convert %s: unsupported pixel format", f)
	}
	if len(buf) < stride*height {
		return 0, fmt.Errorf("%w: %d bytes for %dx%d %s", ErrShortBuffer, len(buf), width, height, f)
	}
	return stride, nil
}

// Pack writes img into dst in format f. YCbCr formats use the matrix of
// the given color space. dst must hold FrameBytes(f, width, height).
func Pack(dst []byte, f Format, img *image.RGBA, cs hdr.ColorSpace) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride, err := checkSize(f, dst, w, h)
	if err != nil {
		return err
	}
	m := matrix(cs)
	at := func(x, y int) color.RGBA {
		if x >= w {
			x = w - 1
		}
		return img.RGBAAt(b.Min.X+x, b.Min.Y+y)
	}

	for y := 0; y < h; y++ {
		row := dst[y*stride : (y+1)*stride]
		switch f {
		case YUV8:
			for x := 0; x < w; x += 2 {
				y0, cb0, cr0 := m.ycbcr(at(x, y), 8)
				y1, cb1, cr1 := m.ycbcr(at(x+1, y), 8)
				o := x * 2
				if o+3 >= len(row) {
					break
				}
				row[o] = uint8((cb0 + cb1) / 2)
				row[o+1] = uint8(y0)
				row[o+2] = uint8((cr0 + cr1) / 2)
				row[o+3] = uint8(y1)
			}
		case YUV10:
			packV210(row, w, func(x int) (uint32, uint32, uint32) { return m.ycbcr(at(x, y), 10) })
		case ARGB8, BGRA8:
			for x := 0; x < w; x++ {
				c := at(x, y)
				o := x * 4
				if f == ARGB8 {
					row[o], row[o+1], row[o+2], row[o+3] = 255, c.R, c.G, c.B
				} else {
					row[o], row[o+1], row[o+2], row[o+3] = c.B, c.G, c.R, 255
				}
			}
		case RGB10, RGBX10, RGBXLE10:
			for x := 0; x < w; x++ {
				c := at(x, y)
				r, g, bl := to10(c.R), to10(c.G), to10(c.B)
				word := row[x*4 : x*4+4]
				switch f {
				case RGB10:
					binary.BigEndian.PutUint32(word, r<<20|g<<10|bl)
				case RGBX10:
					binary.BigEndian.PutUint32(word, r<<22|g<<12|bl<<2)
				default:
					binary.LittleEndian.PutUint32(word, r<<22|g<<12|bl<<2)
				}
			}
		case RGB12, RGBLE12:
			samples := make([]uint32, 0, 3*w)
			for x := 0; x < w; x++ {
				c := at(x, y)
				samples = append(samples, to12(c.R), to12(c.G), to12(c.B))
			}
			pack12(row, samples, f == RGBLE12)
		}
	}
	return nil
}

// packV210 fills one v210 line: groups of 6 pixels in 4 little-endian
// words, chroma shared by pixel pairs.
func packV210(row []byte, width int, sample func(x int) (y, cb, cr uint32)) {
	for gx := 0; gx < width; gx += 6 {
		var ys [6]uint32
		var cbs, crs [3]uint32
		for p := 0; p < 3; p++ {
			y0, cb0, cr0 := sample(gx + 2*p)
			y1, cb1, cr1 := sample(gx + 2*p + 1)
			ys[2*p], ys[2*p+1] = y0, y1
			cbs[p], crs[p] = (cb0+cb1)/2, (cr0+cr1)/2
		}
		o := gx / 6 * 16
		if o+16 > len(row) {
			return
		}
		put := func(i int, a, b, c uint32) {
			binary.LittleEndian.PutUint32(row[o+4*i:], a&0x3ff|(b&0x3ff)<<10|(c&0x3ff)<<20)
		}
		put(0, cbs[0], ys[0], crs[0])
		put(1, ys[1], cbs[1], ys[2])
		put(2, crs[1], ys[3], cbs[2])
		put(3, ys[4], crs[2], ys[5])
	}
}

// pack12 stores 12-bit samples two per three bytes.
func pack12(row []byte, samples []uint32, little bool) {
	for i := 0; i+1 < len(samples); i += 2 {
		o := i / 2 * 3
		if o+3 > len(row) {
			return
		}
		a, b := samples[i], samples[i+1]
		if little {
			row[o] = uint8(a)
			row[o+1] = uint8(a>>8&0x0f | (b&0x0f)<<4)
			row[o+2] = uint8(b >> 4)
		} else {
			row[o] = uint8(a >> 4)
			row[o+1] = uint8((a&0x0f)<<4 | b>>8&0x0f)
			row[o+2] = uint8(b)
		}
	}
}

func unpack12(row []byte, i int, little bool) uint32 {
	o := i / 2 * 3
	if o+3 > len(row) {
		return 0
	}
	if little {
		if i%2 == 0 {
			return uint32(row[o]) | uint32(row[o+1]&0x0f)<<8
		}
		return uint32(row[o+1])>>4 | uint32(row[o+2])<<4
	}
	if i%2 == 0 {
		return uint32(row[o])<<4 | uint32(row[o+1])>>4
	}
	return uint32(row[o+1]&0x0f)<<8 | uint32(row[o+2])
}

// Unpack decodes a frame buffer in format f into an RGBA image.
func Unpack(src []byte, f Format, width, height int, cs hdr.ColorSpace) (*image.RGBA, error) {
	stride, err := checkSize(f, src, width, height)
	if err != nil {
		return nil, err
	}
	m := matrix(cs)
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		row := src[y*stride : (y+1)*stride]
		for x := 0; x < width; x++ {
			var c color.RGBA
			switch f {
			case YUV8:
				o := x / 2 * 4
				if o+3 >= len(row) {
					continue
				}
				c = m.rgb(uint32(row[o+1+2*(x%2)]), uint32(row[o]), uint32(row[o+2]), 8)
			case YUV10:
				yv, cb, cr := unpackV210(row, x)
				c = m.rgb(yv, cb, cr, 10)
			case ARGB8:
				o := x * 4
				c = color.RGBA{R: row[o+1], G: row[o+2], B: row[o+3], A: 255}
			case BGRA8:
				o := x * 4
				c = color.RGBA{R: row[o+2], G: row[o+1], B: row[o], A: 255}
			case RGB10:
				v := binary.BigEndian.Uint32(row[x*4:])
				c = color.RGBA{R: from10(v >> 20), G: from10(v >> 10), B: from10(v), A: 255}
			case RGBX10, RGBXLE10:
				var v uint32
				if f == RGBX10 {
					v = binary.BigEndian.Uint32(row[x*4:])
				} else {
					v = binary.LittleEndian.Uint32(row[x*4:])
				}
				c = color.RGBA{R: from10(v >> 22), G: from10(v >> 12), B: from10(v >> 2), A: 255}
			case RGB12, RGBLE12:
				le := f == RGBLE12
				c = color.RGBA{
					R: from12(unpack12(row, 3*x, le)),
					G: from12(unpack12(row, 3*x+1, le)),
					B: from12(unpack12(row, 3*x+2, le)),
					A: 255,
				}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func unpackV210(row []byte, x int) (y, cb, cr uint32) {
	o := x / 6 * 16
	var w [4]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(row[o+4*i:])
	}
	field := func(word uint32, n uint) uint32 { return word >> (10 * n) & 0x3ff }
	ys := [6]uint32{field(w[0], 1), field(w[1], 0), field(w[1], 2), field(w[2], 1), field(w[3], 0), field(w[3], 2)}
	cbs := [3]uint32{field(w[0], 0), field(w[1], 1), field(w[2], 2)}
	crs := [3]uint32{field(w[0], 2), field(w[2], 0), field(w[3], 1)}
	p := x % 6
	return ys[p], cbs[p/2], crs[p/2]
}
