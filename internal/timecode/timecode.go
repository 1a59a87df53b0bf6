// Package timecode converts between frame counts, flicks and the packed
// BCD timecode words exchanged with video hardware.
package timecode

import "fmt"

// FlicksPerSecond is the number of flicks in one second. Every common
// video and audio rate divides it evenly, so frame durations stay exact.
const FlicksPerSecond int64 = 705600000

// None is the packed value reported when a frame carries no timecode.
const None uint32 = 0xFFFFFFFF

const (
	evenFieldBit uint32 = 0x80
	dropFrameBit uint32 = 0x40
)

// FrameDuration converts a display mode's rational frame duration
// (duration / timeScale seconds) into flicks.
func FrameDuration(duration, timeScale int64) int64 {
	if timeScale <= 0 {
		return 0
	}
	return FlicksPerSecond * duration / timeScale
}

// FramesPerSecond is the nominal (ceiled) frame rate for a frame duration,
// e.g. 30 for 29.97.
func FramesPerSecond(frameDuration int64) int64 {
	if frameDuration <= 0 {
		return 0
	}
	return (FlicksPerSecond + frameDuration - 1) / frameDuration
}

// IsFieldRate reports whether frames at this duration are carried as two
// fields per timecode frame (rates above 50 Hz).
func IsFieldRate(frameDuration int64) bool {
	return frameDuration <= FlicksPerSecond/50
}

// BCD holds the raw fields of a packed timecode word.
type BCD struct {
	Hours     int
	Minutes   int
	Seconds   int
	Frames    int
	EvenField bool
	DropFrame bool
}

// PackBCD encodes the fields as binary-coded decimal digits with the
// even-field and drop-frame flags in bits 7 and 6.
func PackBCD(b BCD) uint32 {
	var v uint32
	v |= uint32(b.Hours/10)<<28 | uint32(b.Hours%10)<<24
	v |= uint32(b.Minutes/10)<<20 | uint32(b.Minutes%10)<<16
	v |= uint32(b.Seconds/10)<<12 | uint32(b.Seconds%10)<<8
	v |= uint32(b.Frames/10)<<4 | uint32(b.Frames%10)
	if b.EvenField {
		v |= evenFieldBit
	}
	if b.DropFrame {
		v |= dropFrameBit
	}
	return v
}

// UnpackBCD decodes a packed word. It returns false for None.
func UnpackBCD(v uint32) (BCD, bool) {
	if v == None {
		return BCD{}, false
	}
	return BCD{
		Hours:     int((v>>28)&0x3)*10 + int((v>>24)&0xf),
		Minutes:   int((v>>20)&0x7)*10 + int((v>>16)&0xf),
		Seconds:   int((v>>12)&0x7)*10 + int((v>>8)&0xf),
		Frames:    int((v>>4)&0x3)*10 + int(v&0xf),
		EvenField: v&evenFieldBit != 0,
		DropFrame: v&dropFrameBit != 0,
	}, true
}

// Timecode is a wall-clock position at a given frame rate.
type Timecode struct {
	FrameDuration int64
	Hours         int
	Minutes       int
	Seconds       int
	Frames        int
	DropFrame     bool
}

// New builds a timecode from its components.
func New(frameDuration int64, hours, minutes, seconds, frames int, dropFrame bool) Timecode {
	return Timecode{
		FrameDuration: frameDuration,
		Hours:         hours,
		Minutes:       minutes,
		Seconds:       seconds,
		Frames:        frames,
		DropFrame:     dropFrame,
	}
}

// FromFlicks splits a time in flicks into a timecode. Hours wrap at 24.
func FromFlicks(frameDuration, flicks int64, dropFrame bool) Timecode {
	if frameDuration <= 0 {
		return Timecode{DropFrame: dropFrame}
	}
	return FromFrameCount(flicks/frameDuration, frameDuration, dropFrame)
}

// FromFrameCount splits an absolute frame count into a timecode.
func FromFrameCount(count, frameDuration int64, dropFrame bool) Timecode {
	fps := FramesPerSecond(frameDuration)
	if fps == 0 {
		return Timecode{FrameDuration: frameDuration, DropFrame: dropFrame}
	}
	fpm := fps * 60
	fph := fpm * 60

	hours := count / fph
	count -= hours * fph
	minutes := count / fpm
	count -= minutes * fpm
	seconds := count / fps
	count -= seconds * fps

	return Timecode{
		FrameDuration: frameDuration,
		Hours:         int(hours % 24),
		Minutes:       int(minutes),
		Seconds:       int(seconds),
		Frames:        int(count),
		DropFrame:     dropFrame,
	}
}

// FrameCount is the absolute frame index the timecode refers to.
func (t Timecode) FrameCount() int64 {
	fps := FramesPerSecond(t.FrameDuration)
	fpm := fps * 60
	fph := fpm * 60
	return fph*int64(t.Hours) + fpm*int64(t.Minutes) + fps*int64(t.Seconds) + int64(t.Frames)
}

// Flicks is the timecode position in flicks.
func (t Timecode) Flicks() int64 {
	return t.FrameCount() * t.FrameDuration
}

// BCD packs the timecode. Above 50 Hz the frame number is split into a
// timecode frame and a field flag.
func (t Timecode) BCD() uint32 {
	b := BCD{
		Hours:     t.Hours,
		Minutes:   t.Minutes,
		Seconds:   t.Seconds,
		Frames:    t.Frames,
		DropFrame: t.DropFrame,
	}
	if IsFieldRate(t.FrameDuration) {
		b.EvenField = t.Frames&1 == 1
		b.Frames = t.Frames / 2
	}
	return PackBCD(b)
}

// FromBCD is the inverse of Timecode.BCD. It returns false for None.
func FromBCD(frameDuration int64, v uint32) (Timecode, bool) {
	b, ok := UnpackBCD(v)
	if !ok {
		return Timecode{}, false
	}
	frames := b.Frames
	if IsFieldRate(frameDuration) {
		frames = 2 * frames
		if b.EvenField {
			frames++
		}
	}
	return New(frameDuration, b.Hours, b.Minutes, b.Seconds, frames, b.DropFrame), true
}

// String formats as HH:MM:SS:FF, using ';' before the frames for drop frame.
func (t Timecode) String() string {
	sep := ":"
	if t.DropFrame {
		sep = ";"
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%02d", t.Hours, t.Minutes, t.Seconds, sep, t.Frames)
}
