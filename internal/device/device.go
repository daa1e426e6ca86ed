package device

import (
	"errors"

	"github.com/zsiec/deckcap/internal/media"
)

// Sentinel errors reported by drivers.
var (
	ErrNoDriver       = errors.New("device: driver not registered")
	ErrInputBusy      = errors.New("device: input already in use")
	ErrNotEnabled     = errors.New("device: input not enabled")
	ErrStreaming      = errors.New("device: streams already running")
	ErrUnknownMode    = errors.New("device: unknown display mode")
	ErrUnsupportedFmt = errors.New("device: unsupported audio format")
	ErrClosed         = errors.New("device: closed")
)

// InputFlags modify how video input is enabled.
type InputFlags uint32

// Video input flags.
const (
	InputFlagDefault           InputFlags = 0
	InputEnableFormatDetection InputFlags = 1 << iota
	InputDualStream3D
)

// FormatChangedEvents is the mask delivered with a format-change
// notification.
type FormatChangedEvents uint32

// Format change events.
const (
	DisplayModeChanged FormatChangedEvents = 1 << iota
	FieldDominanceChanged
	ColorspaceChanged
)

// DetectedFormatFlags describes the signal a format-detecting input saw.
type DetectedFormatFlags uint32

// Detected format flags.
const (
	DetectedYCbCr422 DetectedFormatFlags = 1 << iota
	DetectedRGB444
	DetectedDualStream3D
)

// ModeSupport is the answer to a display-mode support query.
type ModeSupport int

// Display mode support levels.
const (
	ModeNotSupported ModeSupport = iota
	ModeSupported
	ModeSupportedWithConversion
)

// VideoInputFrame is a frame handle valid only during the callback that
// delivered it.
type VideoInputFrame interface {
	Bytes() []byte
	RowBytes() int
	Width() int
	Height() int
	PixelFormat() media.PixelFormat
	Flags() media.FrameFlags
}

// AudioInputPacket is an audio handle valid only during the callback that
// delivered it.
type AudioInputPacket interface {
	Bytes() []byte
	SampleFrameCount() int
}

// Callback receives frames and format changes from an Input. AddRef and
// Release let the input hold the callback alive while streaming.
type Callback interface {
	AddRef() uint32
	Release() uint32
	OnFrameArrived(video VideoInputFrame, audio AudioInputPacket) error
	OnFormatChanged(events FormatChangedEvents, mode media.DisplayMode, detected DetectedFormatFlags) error
}

// Attributes exposes static device capabilities.
type Attributes interface {
	SupportsInputFormatDetection() (bool, error)
}

// Input is the capture interface of a device.
type Input interface {
	DisplayModes() ([]media.DisplayMode, error)
	DoesSupportVideoMode(mode media.DisplayMode, format media.PixelFormat, flags InputFlags) (ModeSupport, error)

	// SetCallback registers cb, taking a reference on it and releasing the
	// previous callback. A nil cb clears the registration.
	SetCallback(cb Callback) error

	EnableVideoInput(mode media.DisplayMode, format media.PixelFormat, flags InputFlags) error
	DisableVideoInput() error
	EnableAudioInput(format media.AudioFormat) error
	DisableAudioInput() error

	// StartStreams begins delivery. StopStreams ends it and may be called
	// from within a callback; a callback already running completes.
	StartStreams() error
	StopStreams() error

	Close() error
}

// Device is one enumerated capture device.
type Device interface {
	Name() string
	Attributes() (Attributes, error)
	Input() (Input, error)
	Close() error
}

// Driver enumerates devices.
type Driver interface {
	Devices() ([]Device, error)
}
