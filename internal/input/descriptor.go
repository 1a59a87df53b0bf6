package input

import (
	"fmt"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
)

// Descriptor describes the format an input is currently capturing.
type Descriptor struct {
	DeviceIndex int    `json:"device_index"`
	ModeID      uint32 `json:"mode_id"`
	Name        string `json:"name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	// The frame rate is FrameRateNumerator/FrameRateDenominator frames
	// per second.
	FrameRateNumerator   int64                 `json:"frame_rate_numerator"`
	FrameRateDenominator int64                 `json:"frame_rate_denominator"`
	FieldDominance       device.FieldDominance `json:"field_dominance"`
	PixelFormat          pixelformat.Format    `json:"pixel_format"`
	ColorSpace           hdr.ColorSpace        `json:"color_space"`
	EOTF                 hdr.EOTF              `json:"eotf"`
}

func newDescriptor(index int, mode device.DisplayMode, format pixelformat.Format, cs hdr.ColorSpace, eotf hdr.EOTF) Descriptor {
	return Descriptor{
		DeviceIndex:          index,
		ModeID:               mode.ID,
		Name:                 mode.Name,
		Width:                mode.Width,
		Height:               mode.Height,
		FrameRateNumerator:   mode.TimeScale,
		FrameRateDenominator: mode.Duration,
		FieldDominance:       mode.FieldDominance,
		PixelFormat:          format,
		ColorSpace:           cs,
		EOTF:                 eotf,
	}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %dx%d %s %s %s", d.Name, d.Width, d.Height, d.PixelFormat, d.ColorSpace, d.EOTF)
}

// Audio is the captured audio accompanying a frame. Data aliases hardware
// memory and is only valid during the frame callback.
type Audio struct {
	Data        []byte
	SampleBits  int
	Channels    int
	SampleCount int
	// Timestamp is in flicks, or -1 when the hardware could not say.
	Timestamp int64
}

// Frame is a captured frame as handed to the host. Data aliases hardware
// memory and is only valid during the frame callback.
type Frame struct {
	DeviceIndex    int
	Data           []byte
	Width          int
	Height         int
	PixelFormat    pixelformat.Format
	FieldDominance device.FieldDominance
	// Durations and timestamps are in flicks. Unavailable timestamps are -1.
	FrameDuration     int64
	HardwareTimestamp int64
	StreamTimestamp   int64
	// Timecode is packed BCD, or timecode.None.
	Timecode uint32
	// HDR is set when the frame carried metadata.
	HDR   *hdr.Metadata
	Audio Audio
	// TextureUpdated reports that the frame was copied into the texture
	// destination.
	TextureUpdated bool
}
