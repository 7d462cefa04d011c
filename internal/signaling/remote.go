package signaling

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested on remote video, so
// late subscribers can start decoding quickly.
const pliInterval = 3 * time.Second

// LocalMedia is local capture offered to a peer connection.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
}

// RemoteMedia is the remote side's media as seen by a call session.
type RemoteMedia interface {
	ID() string
	Kinds() []webrtc.RTPCodecType
	// Subscribe delivers RTP packets of kind until cancel is called or the
	// stream stops. Slow subscribers lose packets.
	Subscribe(kind webrtc.RTPCodecType) (<-chan *rtp.Packet, func())
	Stop()
}

type remoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// RemoteStream groups the remote tracks of one call. A reader goroutine per
// track drains RTP and fans packets out to subscribers.
type RemoteStream struct {
	id string
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	tracks []remoteTrack
	subs   map[webrtc.RTPCodecType]map[chan *rtp.Packet]struct{}

	done chan struct{}
	once sync.Once
}

func newRemoteStream(id string, pc *webrtc.PeerConnection) *RemoteStream {
	return &RemoteStream{
		id:   id,
		pc:   pc,
		subs: make(map[webrtc.RTPCodecType]map[chan *rtp.Packet]struct{}),
		done: make(chan struct{}),
	}
}

func (s *RemoteStream) ID() string { return s.id }

// Kinds lists the kinds of the tracks received so far.
func (s *RemoteStream) Kinds() []webrtc.RTPCodecType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.RTPCodecType, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.track.Kind())
	}
	return out
}

func (s *RemoteStream) Subscribe(kind webrtc.RTPCodecType) (<-chan *rtp.Packet, func()) {
	ch := make(chan *rtp.Packet, 256)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	set := s.subs[kind]
	if set == nil {
		set = make(map[chan *rtp.Packet]struct{})
		s.subs[kind] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[kind][ch]; ok {
				delete(s.subs[kind], ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Stop ends every reader and closes subscriber channels. Idempotent.
func (s *RemoteStream) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		tracks := s.tracks
		for _, set := range s.subs {
			for ch := range set {
				close(ch)
			}
		}
		s.subs = map[webrtc.RTPCodecType]map[chan *rtp.Packet]struct{}{}
		s.mu.Unlock()

		for _, t := range tracks {
			_ = t.receiver.Stop()
		}
	})
}

func (s *RemoteStream) addTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = receiver.Stop()
		return
	default:
	}
	s.tracks = append(s.tracks, remoteTrack{track: track, receiver: receiver})
	s.mu.Unlock()

	go s.readTrack(track)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.requestKeyframes(track)
	}
}

func (s *RemoteStream) readTrack(track *webrtc.TrackRemote) {
	kind := track.Kind()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debugf("remote %s track %s ended: %v", kind, track.ID(), err)
			return
		}
		s.mu.Lock()
		for ch := range s.subs[kind] {
			select {
			case ch <- pkt:
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (s *RemoteStream) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
			if err := s.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				return
			}
		}
	}
}
