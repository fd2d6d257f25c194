package device

import "errors"

var (
	// ErrConfiguration reports an invalid channel topology or settings that
	// conflict with another block on the same device.
	ErrConfiguration = errors.New("device configuration error")
	// ErrStreamSetup reports that the transport rejected a stream.
	ErrStreamSetup = errors.New("stream setup failed")
	// ErrDeviceFailed is returned for calls on a device that was escalated
	// through Registry.Error.
	ErrDeviceFailed = errors.New("device failed")
	// ErrUnknownDevice is returned for device numbers that are not open.
	ErrUnknownDevice = errors.New("unknown device")
)
