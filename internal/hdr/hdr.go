// Package hdr holds the color space and static HDR metadata attached to
// wide-gamut video frames.
package hdr

import (
	"fmt"
	"strings"
)

// ColorSpace identifies the colorimetry of a stream.
type ColorSpace int

const (
	Rec601 ColorSpace = iota
	Rec709
	Rec2020
)

func (c ColorSpace) String() string {
	switch c {
	case Rec601:
		return "rec601"
	case Rec709:
		return "rec709"
	case Rec2020:
		return "rec2020"
	}
	return fmt.Sprintf("colorspace(%d)", int(c))
}

// WideGamut reports whether frames in this color space must carry HDR
// metadata. Rec.2020 is the only such space.
func (c ColorSpace) WideGamut() bool {
	return c == Rec2020
}

// ParseColorSpace accepts "rec601", "rec709" or "rec2020".
func ParseColorSpace(s string) (ColorSpace, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rec601", "601":
		return Rec601, nil
	case "rec709", "709", "":
		return Rec709, nil
	case "rec2020", "2020":
		return Rec2020, nil
	}
	return Rec709, fmt.Errorf("unknown color space %q", s)
}

// EOTF is the electro-optical transfer function signalled in metadata.
type EOTF int

const (
	SDR EOTF = iota
	HDR
	PQ
	HLG
)

func (e EOTF) String() string {
	switch e {
	case SDR:
		return "sdr"
	case HDR:
		return "hdr"
	case PQ:
		return "pq"
	case HLG:
		return "hlg"
	}
	return fmt.Sprintf("eotf(%d)", int(e))
}

// ParseEOTF accepts "sdr", "hdr", "pq" or "hlg".
func ParseEOTF(s string) (EOTF, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sdr":
		return SDR, nil
	case "hdr":
		return HDR, nil
	case "pq":
		return PQ, nil
	case "hlg", "":
		return HLG, nil
	}
	return HLG, fmt.Errorf("unknown EOTF %q", s)
}

// Chromaticity is a CIE 1931 xy coordinate.
type Chromaticity struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Metadata is the static HDR record (SMPTE ST 2086 plus CTA-861.3 light
// levels) carried with each frame of a wide-gamut stream.
type Metadata struct {
	EOTF                      EOTF         `json:"eotf" yaml:"eotf"`
	RedPrimary                Chromaticity `json:"red" yaml:"red"`
	GreenPrimary              Chromaticity `json:"green" yaml:"green"`
	BluePrimary               Chromaticity `json:"blue" yaml:"blue"`
	WhitePoint                Chromaticity `json:"white_point" yaml:"white_point"`
	MaxDisplayMasteringLum    float64      `json:"max_display_mastering_luminance" yaml:"max_display_mastering_luminance"`
	MinDisplayMasteringLum    float64      `json:"min_display_mastering_luminance" yaml:"min_display_mastering_luminance"`
	MaxContentLightLevel      float64      `json:"max_cll" yaml:"max_cll"`
	MaxFrameAverageLightLevel float64      `json:"max_fall" yaml:"max_fall"`
	ColorSpace                ColorSpace   `json:"color_space" yaml:"color_space"`
}

// Default returns the reference metadata used when nothing better is
// known: HLG over Rec.2020 primaries with a D65 white point, mastered at
// 1000 nits.
func Default() Metadata {
	return Metadata{
		EOTF:                      HLG,
		RedPrimary:                Chromaticity{0.708, 0.292},
		GreenPrimary:              Chromaticity{0.170, 0.797},
		BluePrimary:               Chromaticity{0.131, 0.046},
		WhitePoint:                Chromaticity{0.3127, 0.3290},
		MaxDisplayMasteringLum:    1000,
		MinDisplayMasteringLum:    0.0001,
		MaxContentLightLevel:      1000,
		MaxFrameAverageLightLevel: 50,
		ColorSpace:                Rec2020,
	}
}

// Field names a single metadata value, used when reading metadata back
// from hardware one value at a time.
type Field int

const (
	FieldEOTF Field = iota
	FieldRedX
	FieldRedY
	FieldGreenX
	FieldGreenY
	FieldBlueX
	FieldBlueY
	FieldWhiteX
	FieldWhiteY
	FieldMaxDisplayMasteringLum
	FieldMinDisplayMasteringLum
	FieldMaxCLL
	FieldMaxFALL
	FieldColorSpace
)

// Fields lists every Field in reading order.
var Fields = []Field{
	FieldEOTF,
	FieldRedX, FieldRedY,
	FieldGreenX, FieldGreenY,
	FieldBlueX, FieldBlueY,
	FieldWhiteX, FieldWhiteY,
	FieldMaxDisplayMasteringLum, FieldMinDisplayMasteringLum,
	FieldMaxCLL, FieldMaxFALL,
	FieldColorSpace,
}

// Reader reads one metadata value. ok is false when the hardware could
// not supply it.
type Reader func(f Field) (value float64, ok bool)

// Ingest rebuilds a metadata record field by field. Any value the reader
// cannot supply falls back to the reference default, so a partial read
// never fails as a whole. missing counts the fields that fell back.
func Ingest(read Reader) (m Metadata, missing int) {
	m = Default()
	for _, f := range Fields {
		v, ok := read(f)
		if !ok {
			missing++
			continue
		}
		m.set(f, v)
	}
	return m, missing
}

// Value returns the value of one field.
func (m Metadata) Value(f Field) float64 {
	switch f {
	case FieldEOTF:
		return float64(m.EOTF)
	case FieldRedX:
		return m.RedPrimary.X
	case FieldRedY:
		return m.RedPrimary.Y
	case FieldGreenX:
		return m.GreenPrimary.X
	case FieldGreenY:
		return m.GreenPrimary.Y
	case FieldBlueX:
		return m.BluePrimary.X
	case FieldBlueY:
		return m.BluePrimary.Y
	case FieldWhiteX:
		return m.WhitePoint.X
	case FieldWhiteY:
		return m.WhitePoint.Y
	case FieldMaxDisplayMasteringLum:
		return m.MaxDisplayMasteringLum
	case FieldMinDisplayMasteringLum:
		return m.MinDisplayMasteringLum
	case FieldMaxCLL:
		return m.MaxContentLightLevel
	case FieldMaxFALL:
		return m.MaxFrameAverageLightLevel
	case FieldColorSpace:
		return float64(m.ColorSpace)
	}
	return 0
}

func (m *Metadata) set(f Field, v float64) {
	switch f {
	case FieldEOTF:
		m.EOTF = EOTF(int(v))
	case FieldRedX:
		m.RedPrimary.X = v
	case FieldRedY:
		m.RedPrimary.Y = v
	case FieldGreenX:
		m.GreenPrimary.X = v
	case FieldGreenY:
		m.GreenPrimary.Y = v
	case FieldBlueX:
		m.BluePrimary.X = v
	case FieldBlueY:
		m.BluePrimary.Y = v
	case FieldWhiteX:
		m.WhitePoint.X = v
	case FieldWhiteY:
		m.WhitePoint.Y = v
	case FieldMaxDisplayMasteringLum:
		m.MaxDisplayMasteringLum = v
	case FieldMinDisplayMasteringLum:
		m.MinDisplayMasteringLum = v
	case FieldMaxCLL:
		m.MaxContentLightLevel = v
	case FieldMaxFALL:
		m.MaxFrameAverageLightLevel = v
	case FieldColorSpace:
		m.ColorSpace = ColorSpace(int(v))
	}
}
