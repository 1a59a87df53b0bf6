package pixelformat

// Depth is the bit depth the hardware detected on an incoming signal.
type Depth int

const (
	DepthUnknown Depth = 0
	Depth8       Depth = 8
	Depth10      Depth = 10
	Depth12      Depth = 12
)

// Ranking tables, best first. A YUV signal prefers YUV storage, an RGB
// signal prefers RGB, and within each the matching bit depth leads.
var (
	yuv8Ranking  = []Format{YUV8, YUV10, RGB10, RGBX10, RGBXLE10, RGB12, RGBLE12}
	yuv10Ranking = []Format{YUV10, YUV8, RGB10, RGBX10, RGBXLE10, RGB12, RGBLE12}
	yuv12Ranking = []Format{YUV10, YUV8, RGB12, RGBLE12, RGB10, RGBXLE10, RGBX10}
	rgbRanking   = []Format{RGB10, RGBXLE10, RGBX10, RGB12, RGBLE12, YUV10, YUV8}
	rgb12Ranking = []Format{RGB12, RGBLE12, RGB10, RGBXLE10, RGBX10, YUV10, YUV8}
)

// Ranking returns the preference order for a signal of the given kind and
// depth. The returned slice must not be modified.
func Ranking(rgbSignal bool, depth Depth) []Format {
	if rgbSignal {
		if depth == Depth12 {
			return rgb12Ranking
		}
		return rgbRanking
	}
	switch depth {
	case Depth8:
		return yuv8Ranking
	case Depth12:
		return yuv12Ranking
	default:
		return yuv10Ranking
	}
}

// Best picks the first ranked format for which supported returns true.
// It returns Auto when nothing in the table is supported.
func Best(rgbSignal bool, depth Depth, supported func(Format) bool) Format {
	for _, f := range Ranking(rgbSignal, depth) {
		if supported(f) {
			return f
		}
	}
	return Auto
}

// Compatible reports whether a host-requested format can be carried by a
// signal of the given kind: YUV signals accept only YUV formats and RGB
// signals only RGB formats.
func Compatible(rgbSignal bool, desired Format) bool {
	if rgbSignal {
		return desired.IsRGB()
	}
	return !desired.IsRGB()
}
