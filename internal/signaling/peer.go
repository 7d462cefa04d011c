// Package signaling is the call-signaling channel: a WebSocket to the relay's
// signal hub that exchanges offers, answers and ICE candidates between
// relay-assigned identities, and the pion PeerConnection each call runs on.
package signaling

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrRemoteBusy ends an outbound call the callee rejected as busy.
	ErrRemoteBusy = errors.New("remote is busy")
	// ErrRejected ends an outbound call the callee declined.
	ErrRejected = errors.New("call rejected")
	// ErrUnavailable means the relay has no connection for the dialed identity.
	ErrUnavailable = errors.New("remote identity unavailable")
	// ErrConnectionFailed means ICE or DTLS could not establish the call.
	ErrConnectionFailed = errors.New("peer connection failed")
	// ErrClosed is returned by operations on a closed client or conn.
	ErrClosed = errors.New("signaling closed")
	// ErrNotOpen is returned before Open has received an identity.
	ErrNotOpen = errors.New("signaling not open")
)

// Config tunes the peer connections a Client creates.
type Config struct {
	STUNServers []string

	// IncludeLoopback gathers 127.0.0.1 candidates. Only useful when both
	// peers run on one host.
	IncludeLoopback bool
}

// Generous ICE timeouts so a brief NAT hiccup does not end the call.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepalive           = 2 * time.Second
)

// NewAPI builds the webrtc API shared by every call: default codecs (VP8,
// Opus and friends) with the default interceptor chain.
func NewAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepalive)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (c Config) rtcConfig() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: c.STUNServers}}
	}
	return webrtc.Configuration{ICEServers: servers}
}

// addLocalMedia attaches local tracks and pads missing kinds with recvonly
// transceivers so the SDP always carries an audio and a video m-line.
func addLocalMedia(pc *webrtc.PeerConnection, local LocalMedia) (map[webrtc.RTPCodecType]*webrtc.RTPSender, error) {
	senders := make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
	if local != nil {
		for _, t := range local.Tracks() {
			s, err := pc.AddTrack(t)
			if err != nil {
				return nil, err
			}
			senders[t.Kind()] = s
			go drainRTCP(s)
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := senders[kind]; ok || hasTransceiver(pc, kind) {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return nil, err
		}
	}
	return senders, nil
}

func hasTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) bool {
	for _, t := range pc.GetTransceivers() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// drainRTCP reads incoming RTCP so interceptors (NACK, TWCC) keep working.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}
