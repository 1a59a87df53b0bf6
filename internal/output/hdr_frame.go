package output

import (
	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/hdr"
)

// hdrFrame presents a pool frame to the hardware with the stream's HDR
// metadata attached.
type hdrFrame struct {
	device.MutableFrame
	meta *hdr.Metadata
}

func (f *hdrFrame) Flags() device.FrameFlags {
	return f.MutableFrame.Flags() | device.FlagContainsHDRMetadata
}

func (f *hdrFrame) HDRMetadata() hdr.Metadata {
	return *f.meta
}

// unwrap returns the pool frame behind whatever was handed to the hardware.
func unwrap(f device.Frame) device.MutableFrame {
	switch v := f.(type) {
	case *hdrFrame:
		return v.MutableFrame
	case device.MutableFrame:
		return v
	}
	return nil
}
