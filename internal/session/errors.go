package session

import "errors"

// Negotiation and lifecycle errors returned by Start.
var (
	ErrDeviceNotFound             = errors.New("session: capture device not found")
	ErrDisplayModeNotFound        = errors.New("session: display mode not found")
	ErrFormatDetectionUnsupported = errors.New("session: format detection is not supported on this device")
	ErrUnsupportedMode            = errors.New("session: display mode not supported with the selected pixel format")
	ErrUnsupported3D              = errors.New("session: display mode not supported with 3D")
	ErrAlreadyStarted             = errors.New("session: already started")
	ErrStopped                    = errors.New("session: stopped")
)
