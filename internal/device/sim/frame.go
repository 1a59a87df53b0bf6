package sim

import (
	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/timecode"
)

// Frame is an output frame in simulated device memory.
type Frame struct {
	width, height int
	rowBytes      int
	format        pixelformat.Format
	flags         device.FrameFlags
	tc            uint32
	buf           []byte
}

func (f *Frame) Width() int                      { return f.width }
func (f *Frame) Height() int                     { return f.height }
func (f *Frame) RowBytes() int                   { return f.rowBytes }
func (f *Frame) PixelFormat() pixelformat.Format { return f.format }
func (f *Frame) Flags() device.FrameFlags        { return f.flags }
func (f *Frame) Bytes() []byte                   { return f.buf }
func (f *Frame) SetFlags(fl device.FrameFlags)   { f.flags = fl }
func (f *Frame) SetTimecode(bcd uint32)          { f.tc = bcd }
func (f *Frame) Timecode() uint32                { return f.tc }

// Displayed records what the simulated output put on the wire.
type Displayed struct {
	Sequence int64
	Timecode uint32
	Flags    device.FrameFlags
	Format   pixelformat.Format
	Metadata *hdr.Metadata
	Result   device.CompletionResult
}

// inputFrame is a captured frame handed to the input callback.
type inputFrame struct {
	width, height int
	rowBytes      int
	format        pixelformat.Format
	flags         device.FrameFlags
	buf           []byte

	tc       uint32
	tcSource device.TimecodeSource
	tcDrop   bool
	hasTC    bool

	hwTime     int64
	streamTime int64
	duration   int64
	timeErr    error

	hdr map[hdr.Field]float64
}

func (f *inputFrame) Width() int                      { return f.width }
func (f *inputFrame) Height() int                     { return f.height }
func (f *inputFrame) RowBytes() int                   { return f.rowBytes }
func (f *inputFrame) PixelFormat() pixelformat.Format { return f.format }
func (f *inputFrame) Flags() device.FrameFlags        { return f.flags }
func (f *inputFrame) Bytes() []byte                   { return f.buf }

func (f *inputFrame) Timecode(source device.TimecodeSource) (uint32, bool, bool) {
	if !f.hasTC || source != f.tcSource {
		return 0, false, false
	}
	return f.tc, f.tcDrop, true
}

func rescale(flicks, timeScale int64) int64 {
	return flicks * timeScale / timecode.FlicksPerSecond
}

func (f *inputFrame) HardwareReferenceTimestamp(timeScale int64) (int64, int64, error) {
	if f.timeErr != nil {
		return 0, 0, f.timeErr
	}
	return rescale(f.hwTime, timeScale), rescale(f.duration, timeScale), nil
}

func (f *inputFrame) StreamTime(timeScale int64) (int64, int64, error) {
	if f.timeErr != nil {
		return 0, 0, f.timeErr
	}
	return rescale(f.streamTime, timeScale), rescale(f.duration, timeScale), nil
}

func (f *inputFrame) HDRValue(field hdr.Field) (float64, bool) {
	v, ok := f.hdr[field]
	return v, ok
}

// audioPacket is 16-bit stereo audio captured alongside a frame.
type audioPacket struct {
	frames int
	buf    []byte
	time   int64
}

func (p *audioPacket) SampleFrameCount() int { return p.frames }
func (p *audioPacket) Bytes() []byte         { return p.buf }

func (p *audioPacket) PacketTime(timeScale int64) (int64, error) {
	return rescale(p.time, timeScale), nil
}
