package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

// EventType tags a ConnEvent.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventRemoteStream
	EventClosed
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventRemoteStream:
		return "remote-stream"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Terminal reports whether t ends the conn.
func (t EventType) Terminal() bool { return t == EventClosed || t == EventError }

// ConnEvent is one asynchronous happening on a Conn.
type ConnEvent struct {
	Type   EventType
	Stream RemoteMedia // EventRemoteStream
	Err    error       // EventError
}

// Conn is one call attempt with one remote identity. Events yields at most
// one EventConnected, at most one EventRemoteStream and exactly one terminal
// event, after which the channel is closed.
type Conn interface {
	ID() string
	Remote() string
	Outbound() bool
	// Answer accepts an inbound call with local media.
	Answer(ctx context.Context, local LocalMedia) error
	// Reject declines an inbound call; reason is forwarded to the caller.
	Reject(reason string) error
	// SetSending pauses or resumes the local track of kind.
	SetSending(kind webrtc.RTPCodecType, on bool) error
	Close() error
	Events() <-chan ConnEvent
}

// peerConn is the Conn implementation backed by a pion PeerConnection.
type peerConn struct {
	client   *Client
	callID   string
	remote   string
	outbound bool
	pc       *webrtc.PeerConnection

	events       chan ConnEvent
	connected    sync.Once
	streamOnce   sync.Once
	terminalOnce sync.Once

	mu       sync.Mutex
	ended    bool
	answered bool
	senders  map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks   map[webrtc.RTPCodecType]webrtc.TrackLocal
	stream   *RemoteStream
}

func newPeerConn(client *Client, callID, remote string, outbound bool, pc *webrtc.PeerConnection) *peerConn {
	c := &peerConn{
		client:   client,
		callID:   callID,
		remote:   remote,
		outbound: outbound,
		pc:       pc,
		events:   make(chan ConnEvent, 4),
		senders:  make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:   make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("call %s: peer connection %s", util.Short(callID), s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.connected.Do(func() { c.emit(ConnEvent{Type: EventConnected}) })
		case webrtc.PeerConnectionStateFailed:
			c.finish(ConnEvent{Type: EventError, Err: ErrConnectionFailed}, true)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Infof("call %s: remote %s track %s (%s)", util.Short(callID), track.Kind(), track.ID(), track.Codec().MimeType)
		c.mu.Lock()
		if c.stream == nil {
			c.stream = newRemoteStream(track.StreamID(), pc)
		}
		stream := c.stream
		c.mu.Unlock()

		stream.addTrack(track, receiver)
		c.streamOnce.Do(func() { c.emit(ConnEvent{Type: EventRemoteStream, Stream: stream}) })
	})
	return c
}

func (c *peerConn) ID() string               { return c.callID }
func (c *peerConn) Remote() string           { return c.remote }
func (c *peerConn) Outbound() bool           { return c.outbound }
func (c *peerConn) Events() <-chan ConnEvent { return c.events }

// emit queues a non-terminal event. The buffer holds every event a conn can
// produce, so emit never blocks the signaling read loop.
func (c *peerConn) emit(ev ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- ev
}

// finish delivers the terminal event once, tears down the peer connection
// and unregisters from the client. notify sends a close frame to the remote.
func (c *peerConn) finish(ev ConnEvent, notify bool) {
	c.terminalOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		c.events <- ev
		close(c.events)
		stream := c.stream
		c.mu.Unlock()

		c.client.forget(c.callID)
		if notify {
			_ = c.client.send(proto.SignalMsg{Type: proto.SignalClose, Dst: c.remote, CallID: c.callID})
		}
		if stream != nil {
			stream.Stop()
		}
		go func() {
			if err := c.pc.Close(); err != nil {
				log.Debugf("call %s: close peer connection: %v", util.Short(c.callID), err)
			}
		}()
		if ev.Err != nil {
			log.Infof("call %s with %s ended: %v", util.Short(c.callID), util.Short(c.remote), ev.Err)
		} else {
			log.Infof("call %s with %s ended", util.Short(c.callID), util.Short(c.remote))
		}
	})
}

func (c *peerConn) Answer(ctx context.Context, local LocalMedia) error {
	if c.outbound {
		return errors.New("answer on an outbound call")
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.answered {
		c.mu.Unlock()
		return errors.New("call already answered")
	}
	c.answered = true
	c.mu.Unlock()

	senders, err := addLocalMedia(c.pc, local)
	if err != nil {
		c.finish(ConnEvent{Type: EventError, Err: err}, true)
		return err
	}
	c.keepSenders(senders, local)

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.finish(ConnEvent{Type: EventError, Err: err}, true)
		return err
	}
	sdp, err := c.client.localDescription(ctx, c.pc, answer)
	if err != nil {
		c.finish(ConnEvent{Type: EventError, Err: err}, true)
		return err
	}
	if err := c.client.send(proto.SignalMsg{
		Type:   proto.SignalAnswer,
		Dst:    c.remote,
		CallID: c.callID,
		SDP:    &proto.SDP{Type: sdp.Type.String(), SDP: sdp.SDP},
	}); err != nil {
		c.finish(ConnEvent{Type: EventError, Err: err}, false)
		return err
	}
	return nil
}

func (c *peerConn) Reject(reason string) error {
	if c.outbound {
		return errors.New("reject on an outbound call")
	}
	err := c.client.send(proto.SignalMsg{Type: proto.SignalReject, Dst: c.remote, CallID: c.callID, Reason: reason})
	c.finish(ConnEvent{Type: EventClosed}, false)
	return err
}

func (c *peerConn) Close() error {
	c.finish(ConnEvent{Type: EventClosed}, true)
	return nil
}

func (c *peerConn) SetSending(kind webrtc.RTPCodecType, on bool) error {
	c.mu.Lock()
	sender, track := c.senders[kind], c.tracks[kind]
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

func (c *peerConn) keepSenders(senders map[webrtc.RTPCodecType]*webrtc.RTPSender, local LocalMedia) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, s := range senders {
		c.senders[kind] = s
	}
	if local != nil {
		for _, t := range local.Tracks() {
			c.tracks[t.Kind()] = t
		}
	}
}

// handle applies one routed signaling frame. Runs on the client read loop.
func (c *peerConn) handle(msg proto.SignalMsg) {
	switch msg.Type {
	case proto.SignalAnswer:
		if !c.outbound {
			return
		}
		err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP.SDP})
		if err != nil {
			c.finish(ConnEvent{Type: EventError, Err: fmt.Errorf("apply answer: %w", err)}, true)
		}
	case proto.SignalCandidate:
		init := webrtc.ICECandidateInit{
			Candidate:        msg.Candidate.Candidate,
			SDPMid:           msg.Candidate.SDPMid,
			SDPMLineIndex:    msg.Candidate.SDPMLineIndex,
			UsernameFragment: msg.Candidate.UsernameFragment,
		}
		if err := c.pc.AddICECandidate(init); err != nil {
			log.Debugf("call %s: add candidate: %v", util.Short(c.callID), err)
		}
	case proto.SignalReject:
		err := ErrRejected
		if msg.Reason == proto.ReasonBusy {
			err = ErrRemoteBusy
		}
		c.finish(ConnEvent{Type: EventError, Err: err}, false)
	case proto.SignalClose:
		c.finish(ConnEvent{Type: EventClosed}, false)
	case proto.SignalError:
		if msg.Code == proto.CodeUnavailableID {
			c.finish(ConnEvent{Type: EventError, Err: ErrUnavailable}, false)
		}
	}
}
