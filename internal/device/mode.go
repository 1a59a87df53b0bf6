package device

import (
	"fmt"
	"strings"

	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

// FieldDominance describes how fields are ordered within a frame.
type FieldDominance int

const (
	FieldUnknown FieldDominance = iota
	LowerFieldFirst
	UpperFieldFirst
	Progressive
	ProgressiveSegmented
)

func (f FieldDominance) String() string {
	switch f {
	case LowerFieldFirst:
		return "Lower field first"
	case UpperFieldFirst:
		return "Upper field first"
	case Progressive:
		return "Progressive"
	case ProgressiveSegmented:
		return "Progressive segmented frame"
	}
	return "Unknown"
}

// DisplayMode is a video standard: resolution, rate and scanning.
type DisplayMode struct {
	ID             uint32         `json:"id"`
	Name           string         `json:"name"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	Duration       int64          `json:"frame_duration"`
	TimeScale      int64          `json:"time_scale"`
	FieldDominance FieldDominance `json:"field_dominance"`
	ColorSpace     hdr.ColorSpace `json:"color_space"`
}

// FrameDuration is the duration of one frame in flicks.
func (m DisplayMode) FrameDuration() int64 {
	return timecode.FrameDuration(m.Duration, m.TimeScale)
}

// FrameRate is frames per second as a float, for display.
func (m DisplayMode) FrameRate() float64 {
	if m.Duration == 0 {
		return 0
	}
	return float64(m.TimeScale) / float64(m.Duration)
}

// Key is the short lookup name, e.g. "1080p5994".
func (m DisplayMode) Key() string {
	return modeKey(m)
}

func (m DisplayMode) String() string {
	return m.Name
}

func fourCC(s string) uint32 {
	return uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3])
}

func mode(code, name string, w, h int, duration, scale int64, fd FieldDominance, cs hdr.ColorSpace) DisplayMode {
	return DisplayMode{
		ID:             fourCC(code),
		Name:           name,
		Width:          w,
		Height:         h,
		Duration:       duration,
		TimeScale:      scale,
		FieldDominance: fd,
		ColorSpace:     cs,
	}
}

var modes = []DisplayMode{
	mode("ntsc", "NTSC", 720, 486, 1001, 30000, LowerFieldFirst, hdr.Rec601),
	mode("pal ", "PAL", 720, 576, 1000, 25000, UpperFieldFirst, hdr.Rec601),
	mode("hp50", "720p50", 1280, 720, 1, 50, Progressive, hdr.Rec709),
	mode("hp59", "720p59.94", 1280, 720, 1001, 60000, Progressive, hdr.Rec709),
	mode("hp60", "720p60", 1280, 720, 1, 60, Progressive, hdr.Rec709),
	mode("Hi50", "1080i50", 1920, 1080, 1, 25, UpperFieldFirst, hdr.Rec709),
	mode("Hi59", "1080i59.94", 1920, 1080, 1001, 30000, UpperFieldFirst, hdr.Rec709),
	mode("23ps", "1080p23.98", 1920, 1080, 1001, 24000, Progressive, hdr.Rec709),
	mode("24ps", "1080p24", 1920, 1080, 1, 24, Progressive, hdr.Rec709),
	mode("Hp25", "1080p25", 1920, 1080, 1, 25, Progressive, hdr.Rec709),
	mode("Hp29", "1080p29.97", 1920, 1080, 1001, 30000, Progressive, hdr.Rec709),
	mode("Hp30", "1080p30", 1920, 1080, 1, 30, Progressive, hdr.Rec709),
	mode("Hp50", "1080p50", 1920, 1080, 1, 50, Progressive, hdr.Rec709),
	mode("Hp59", "1080p59.94", 1920, 1080, 1001, 60000, Progressive, hdr.Rec709),
	mode("Hp60", "1080p60", 1920, 1080, 1, 60, Progressive, hdr.Rec709),
	mode("4k25", "2160p25", 3840, 2160, 1, 25, Progressive, hdr.Rec2020),
	mode("4k30", "2160p30", 3840, 2160, 1, 30, Progressive, hdr.Rec2020),
	mode("4k50", "2160p50", 3840, 2160, 1, 50, Progressive, hdr.Rec2020),
	mode("4k59", "2160p59.94", 3840, 2160, 1001, 60000, Progressive, hdr.Rec2020),
	mode("4k60", "2160p60", 3840, 2160, 1, 60, Progressive, hdr.Rec2020),
}

// Modes returns the catalogue of known display modes.
func Modes() []DisplayMode {
	out := make([]DisplayMode, len(modes))
	copy(out, modes)
	return out
}

func modeKey(m DisplayMode) string {
	return strings.ToLower(strings.ReplaceAll(m.Name, ".", ""))
}

// LookupMode finds a mode by name ("1080p59.94"), key ("1080p5994") or
// four-character code.
func LookupMode(name string) (DisplayMode, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, m := range modes {
		if strings.ToLower(m.Name) == needle || modeKey(m) == needle {
			return m, nil
		}
		if len(name) == 4 && m.ID == fourCC(name) {
			return m, nil
		}
	}
	return DisplayMode{}, fmt.Errorf("unknown display mode %q", name)
}

// ModeByID finds a mode by its code.
func ModeByID(id uint32) (DisplayMode, bool) {
	for _, m := range modes {
		if m.ID == id {
			return m, true
		}
	}
	return DisplayMode{}, false
}
