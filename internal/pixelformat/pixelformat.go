// Package pixelformat describes the uncompressed pixel layouts a video
// device can carry and the order in which they are preferred.
package pixelformat

import (
	"fmt"
	"strings"
)

// Format is a four-character pixel format code as used by the hardware.
type Format uint32

const (
	Auto     Format = 0
	YUV8     Format = 0x32767579 // '2vuy'
	YUV10    Format = 0x76323130 // 'v210'
	ARGB8    Format = 32
	BGRA8    Format = 0x42475241 // 'BGRA'
	RGB10    Format = 0x72323130 // 'r210'
	RGBX10   Format = 0x52313062 // 'R10b'
	RGBXLE10 Format = 0x5231306c // 'R10l'
	RGB12    Format = 0x52313242 // 'R12B'
	RGBLE12  Format = 0x5231324c // 'R12L'
)

var names = map[Format]string{
	Auto:     "auto",
	YUV8:     "8-bit YUV",
	YUV10:    "10-bit YUV",
	ARGB8:    "8-bit ARGB",
	BGRA8:    "8-bit BGRA",
	RGB10:    "10-bit RGB",
	RGBX10:   "10-bit RGBX",
	RGBXLE10: "10-bit RGBXLE",
	RGB12:    "12-bit RGB",
	RGBLE12:  "12-bit RGBLE",
}

// keys are the short config names.
var keys = map[string]Format{
	"auto":     Auto,
	"yuv8":     YUV8,
	"yuv10":    YUV10,
	"argb8":    ARGB8,
	"bgra8":    BGRA8,
	"rgb10":    RGB10,
	"rgbx10":   RGBX10,
	"rgbxle10": RGBXLE10,
	"rgb12":    RGB12,
	"rgble12":  RGBLE12,
}

// All lists every concrete format.
var All = []Format{YUV8, YUV10, ARGB8, BGRA8, RGB10, RGBX10, RGBXLE10, RGB12, RGBLE12}

func (f Format) String() string {
	if n, ok := names[f]; ok {
		return n
	}
	return fmt.Sprintf("unknown (%#08x)", uint32(f))
}

// Key returns the short config name of the format.
func (f Format) Key() string {
	for k, v := range keys {
		if v == f {
			return k
		}
	}
	return ""
}

// Valid reports whether f is a known concrete format.
func (f Format) Valid() bool {
	_, ok := names[f]
	return ok && f != Auto
}

// IsRGB reports whether the format stores RGB rather than YCbCr samples.
func (f Format) IsRGB() bool {
	switch f {
	case ARGB8, BGRA8, RGB10, RGBX10, RGBXLE10, RGB12, RGBLE12:
		return true
	}
	return false
}

// Parse resolves a config name ("yuv8", "auto", ...) or a display name.
func Parse(s string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if f, ok := keys[key]; ok {
		return f, nil
	}
	for f, n := range names {
		if strings.EqualFold(n, s) {
			return f, nil
		}
	}
	return Auto, fmt.Errorf("unknown pixel format %q", s)
}

// RowBytes is the stride of one line of width pixels, padded as the
// hardware requires.
func RowBytes(f Format, width int) int {
	switch f {
	case YUV8:
		return width * 2
	case YUV10:
		// 6 pixels per 16 bytes, lines padded to 128 bytes (48 pixels)
		return ((width + 47) / 48) * 128
	case ARGB8, BGRA8:
		return width * 4
	case RGB10, RGBX10, RGBXLE10:
		// one 32-bit word per pixel, lines padded to 256 bytes
		return ((width + 63) / 64) * 256
	case RGB12, RGBLE12:
		// 8 pixels per 36 bytes
		return (width * 36) / 8
	}
	return 0
}

// FrameBytes is RowBytes times the line count.
func FrameBytes(f Format, width, height int) int {
	return RowBytes(f, width) * height
}
