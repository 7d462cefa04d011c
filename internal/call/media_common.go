package call

import "errors"

var (
	// ErrCaptureUnsupported is the cause of every acquisition failure on
	// platforms without capture drivers.
	ErrCaptureUnsupported = errors.New("camera and microphone capture is not supported on this platform")
	// ErrNothingRequested means the constraints asked for no media at all.
	ErrNothingRequested = errors.New("neither audio nor video requested")
)

// DeviceSource captures from the local camera and microphone.
type DeviceSource struct{}

// NewDeviceSource returns the platform capture source.
func NewDeviceSource() *DeviceSource { return &DeviceSource{} }
