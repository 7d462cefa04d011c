package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

// Session is one call attempt or active call. It is owned by the manager's
// dispatch loop and never touched from other goroutines.
type Session struct {
	gen      uint64
	local    string
	remote   string
	outbound bool
	state    State
	since    time.Time

	conn         signaling.Conn
	localStream  LocalStream
	remoteStream signaling.RemoteMedia

	audioOn   bool
	videoOn   bool
	accepting bool
	released  bool

	// rejectReason, when set on an inbound session, is sent instead of a
	// plain close on release.
	rejectReason string

	timer  *time.Timer
	cancel context.CancelFunc // aborts in-flight capture or dial
}

func newSession(gen uint64, local, remote string, outbound bool, state State) *Session {
	return &Session{
		gen:      gen,
		local:    local,
		remote:   remote,
		outbound: outbound,
		state:    state,
		since:    time.Now(),
		audioOn:  true,
		videoOn:  true,
	}
}

func (s *Session) setState(st State) {
	s.state = st
	s.since = time.Now()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:          s.state,
		LocalIdentity:  s.local,
		RemoteIdentity: s.remote,
		Outbound:       s.outbound,
		AudioMuted:     !s.audioOn,
		VideoDisabled:  !s.videoOn,
		Since:          s.since,
	}
	if s.conn != nil {
		snap.CallID = s.conn.ID()
	}
	if s.localStream != nil {
		snap.LocalStreamID = s.localStream.ID()
	}
	if s.remoteStream != nil {
		snap.RemoteStreamID = s.remoteStream.ID()
	}
	return snap
}

// attach adopts the conn once the dial completes and applies any mute
// toggled while it was in flight.
func (s *Session) attach(conn signaling.Conn) {
	s.conn = conn
	// Tracks start enabled; only a pause needs pushing.
	if !s.audioOn {
		s.applySending(webrtc.RTPCodecTypeAudio, false)
	}
	if !s.videoOn {
		s.applySending(webrtc.RTPCodecTypeVideo, false)
	}
}

func (s *Session) applySending(kind webrtc.RTPCodecType, on bool) {
	if s.conn == nil || s.localStream == nil {
		return
	}
	if err := s.conn.SetSending(kind, on); err != nil {
		log.Debugf("call with %s: set %s sending=%v: %v", util.Short(s.remote), kind, on, err)
	}
}

// toggle flips kind and reports whether it is now off.
func (s *Session) toggle(kind webrtc.RTPCodecType) bool {
	on := &s.audioOn
	if kind == webrtc.RTPCodecTypeVideo {
		on = &s.videoOn
	}
	*on = !*on
	s.applySending(kind, *on)
	log.Infof("call with %s: %s on=%v", util.Short(s.remote), kind, *on)
	return !*on
}

// release stops local and remote media and closes the conn. Every exit path
// calls it; only the first call does anything.
func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true

	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.localStream != nil {
		s.localStream.Stop()
	}
	if s.remoteStream != nil {
		s.remoteStream.Stop()
	}
	if conn := s.conn; conn != nil {
		reason := s.rejectReason
		go func() {
			if reason != "" && !conn.Outbound() {
				_ = conn.Reject(reason)
				return
			}
			_ = conn.Close()
		}()
	}
	log.Infof("call with %s released", util.Short(s.remote))
}
