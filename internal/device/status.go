package device

import "fmt"

// Status is the severity attached to every error callback.
type Status int

const (
	StatusOk Status = iota
	StatusWarning
	StatusError
	StatusUnused
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusUnused:
		return "unused"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrorKind classifies what an error callback is about.
type ErrorKind int

const (
	NoError ErrorKind = iota
	IncompatiblePixelFormatAndVideoMode
	AudioPacketInvalid
	DeviceAlreadyUsed
	NoInputSource

	FrameDisplayedLate
	FrameDropped
	FrameFlushed
	ScheduleFailed
	Overqueued
	SyncTimeout
	GPUDirectUnavailable
	ConfigurationInvalid
	AllocationFailed
)

var kindNames = map[ErrorKind]string{
	NoError:                             "none",
	IncompatiblePixelFormatAndVideoMode: "incompatible_pixel_format",
	AudioPacketInvalid:                  "audio_packet_invalid",
	DeviceAlreadyUsed:                   "device_already_used",
	NoInputSource:                       "no_input_source",
	FrameDisplayedLate:                  "frame_late",
	FrameDropped:                        "frame_dropped",
	FrameFlushed:                        "frame_flushed",
	ScheduleFailed:                      "schedule_failed",
	Overqueued:                          "overqueued",
	SyncTimeout:                         "sync_timeout",
	GPUDirectUnavailable:                "gpudirect_unavailable",
	ConfigurationInvalid:                "configuration_invalid",
	AllocationFailed:                    "allocation_failed",
}

func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrorFunc receives runtime status reports. It is called from hardware
// callback goroutines and must not block.
type ErrorFunc func(deviceIndex int, status Status, kind ErrorKind, message string)
