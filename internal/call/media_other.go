//go:build !linux

package call

import "context"

// Acquire always fails: pion/mediadevices drivers are only wired on Linux.
func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, &MediaAcquisitionError{Err: ErrNothingRequested}
	}
	return nil, &MediaAcquisitionError{Err: ErrCaptureUnsupported}
}
