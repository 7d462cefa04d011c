//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceStream is a captured mediadevices stream.
type deviceStream struct {
	id     string
	tracks []mediadevices.Track
	once   sync.Once
}

func (s *deviceStream) ID() string { return s.id }

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				log.Debugf("close %s track: %v", t.Kind(), err)
			}
		}
		log.Debugf("local stream %s stopped", s.id)
	})
}

type captureResult struct {
	stream *deviceStream
	err    error
}

// Acquire opens camera and microphone through pion/mediadevices (V4L2 and
// malgo). If both were requested it falls back to video-only, then
// audio-only, so one missing device does not block the call.
func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, &MediaAcquisitionError{Err: ErrNothingRequested}
	}

	done := make(chan captureResult, 1)
	go func() {
		s, err := capture(c)
		done <- captureResult{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &MediaAcquisitionError{Err: r.err}
		}
		return r.stream, nil
	case <-ctx.Done():
		// The capture may still succeed; release it when it does.
		go func() {
			if r := <-done; r.stream != nil {
				r.stream.Stop()
			}
		}()
		return nil, &MediaAcquisitionError{Err: ctx.Err()}
	}
}

func capture(c Constraints) (*deviceStream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, errors.New("no media devices found")
	}
	for _, dev := range devices {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{{c.Video, c.Audio, "requested"}}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, false, "video-only"}, attempt{false, true, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				if c.PreferredCam != "" {
					mc.DeviceID = c.PreferredCam
				}
				// Raw formats only: some cameras expose MJPEG nodes with
				// malformed frames that poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
				if c.PreferredMic != "" {
					mc.DeviceID = c.PreferredMic
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("capture (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, t := range tracks {
			kind := t.Kind()
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local %s track ended: %v", kind, err)
				}
			})
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return &deviceStream{id: uuid.NewString(), tracks: tracks}, nil
	}
	return nil, fmt.Errorf("all capture attempts failed: %w", lastErr)
}
