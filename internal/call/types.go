package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signaling"
)

var (
	// ErrSignalingTimeout ends a call nobody answered in time.
	ErrSignalingTimeout = errors.New("call timed out waiting for the remote side")
	// ErrBusy rejects PlaceCall while another session exists.
	ErrBusy = errors.New("a call is already in progress")
	// ErrInvalidState rejects an operation the current state does not allow.
	ErrInvalidState = errors.New("operation not allowed in the current call state")
	// ErrAborted is returned by PlaceCall or Accept when the session was hung
	// up before they finished.
	ErrAborted = errors.New("call aborted")
	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("call manager closed")
)

// MediaAcquisitionError reports that local capture could not be opened.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string { return fmt.Sprintf("media acquisition: %v", e.Err) }
func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// State is the phase of the current call session.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Constraints selects what to capture.
type Constraints struct {
	Audio        bool
	Video        bool
	PreferredCam string
	PreferredMic string
}

// LocalStream is owned local capture. Stop releases the devices.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaSource opens local capture.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalStream, error)
}

// Signaler is what the manager needs from the call-signaling channel.
// *signaling.Client satisfies it.
type Signaler interface {
	Identity() string
	Dial(ctx context.Context, remote string, local signaling.LocalMedia) (signaling.Conn, error)
	Incoming() <-chan signaling.Conn
}

// Snapshot is a read-only view of the manager's session.
type Snapshot struct {
	State          State     `json:"state"`
	LocalIdentity  string    `json:"local_identity"`
	RemoteIdentity string    `json:"remote_identity,omitempty"`
	CallID         string    `json:"call_id,omitempty"`
	Outbound       bool      `json:"outbound"`
	LocalStreamID  string    `json:"local_stream_id,omitempty"`
	RemoteStreamID string    `json:"remote_stream_id,omitempty"`
	AudioMuted     bool      `json:"audio_muted"`
	VideoDisabled  bool      `json:"video_disabled"`
	Since          time.Time `json:"since"`
}

// EventType tags an Event.
type EventType string

const (
	EventStateChanged EventType = "state"
	EventIncoming     EventType = "incoming"
	EventError        EventType = "error"
)

// Event is published to subscribers on every visible change.
type Event struct {
	Type     EventType `json:"type"`
	Snapshot Snapshot  `json:"snapshot"`
	Err      error     `json:"-"`
	Error    string    `json:"error,omitempty"`
}

// Options are the tunables that may change while running.
type Options struct {
	RingTimeout time.Duration
	Constraints Constraints
}
