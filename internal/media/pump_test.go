package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signaling"
)

type fakeRemote struct {
	id    string
	kinds []webrtc.RTPCodecType
	chans map[webrtc.RTPCodecType]chan *rtp.Packet
	once  sync.Once
}

func newFakeRemote(id string, kinds ...webrtc.RTPCodecType) *fakeRemote {
	return &fakeRemote{
		id:    id,
		kinds: kinds,
		chans: map[webrtc.RTPCodecType]chan *rtp.Packet{
			webrtc.RTPCodecTypeVideo: make(chan *rtp.Packet, 64),
			webrtc.RTPCodecTypeAudio: make(chan *rtp.Packet, 64),
		},
	}
}

func (f *fakeRemote) ID() string                   { return f.id }
func (f *fakeRemote) Kinds() []webrtc.RTPCodecType { return f.kinds }

func (f *fakeRemote) Subscribe(kind webrtc.RTPCodecType) (<-chan *rtp.Packet, func()) {
	return f.chans[kind], func() {}
}

func (f *fakeRemote) Stop() {
	f.once.Do(func() {
		for _, ch := range f.chans {
			close(ch)
		}
	})
}

// vp8Packet wraps a whole VP8 frame in one RTP packet with a minimal
// payload descriptor (start of partition, partition 0).
func vp8Packet(seq uint16, ts uint32, frame []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           1,
		},
		Payload: append([]byte{0x10}, frame...),
	}
}

func TestPumpFeedsMuxer(t *testing.T) {
	rm := newFakeRemote("r1", webrtc.RTPCodecTypeVideo)
	mux := NewMuxer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Pump(ctx, rm, mux) }()

	// Timestamps start near the wrap point.
	base := uint32(0xFFFFF000)
	for i := range 4 {
		rm.chans[webrtc.RTPCodecTypeVideo] <- vp8Packet(uint16(100+i), base+uint32(i)*3000, keyFrame)
	}
	require.Eventually(t, mux.Ready, 2*time.Second, 10*time.Millisecond)

	ch, unsub := mux.Subscribe()
	defer unsub()
	require.Contains(t, string(recv(t, ch)), "V_VP8")

	rm.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop with the stream")
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	rm := newFakeRemote("r1", webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio)
	mux := NewMuxer()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Pump(ctx, rm, mux) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump ignored cancel")
	}

	mux.mu.Lock()
	defer mux.mu.Unlock()
	require.True(t, mux.audio, "an announced audio track enables the Opus track")
}

func TestPreviewAttachDetach(t *testing.T) {
	p := NewPreview()
	_, _, err := p.Subscribe()
	require.ErrorIs(t, err, ErrNoStream)

	rm := newFakeRemote("r1", webrtc.RTPCodecTypeVideo)
	p.Attach(rm)
	ch, cancel, err := p.Subscribe()
	require.NoError(t, err)
	defer cancel()

	p.Attach(rm)
	select {
	case _, ok := <-ch:
		require.True(t, ok, "re-attaching the same stream must keep viewers")
	default:
	}

	p.Detach()
	_, ok := <-ch
	require.False(t, ok)
	_, _, err = p.Subscribe()
	require.ErrorIs(t, err, ErrNoStream)
}

type fakeCalls struct {
	events chan call.Event
	remote signaling.RemoteMedia
}

func (f *fakeCalls) Subscribe() (<-chan call.Event, func()) { return f.events, func() {} }

func (f *fakeCalls) RemoteMedia() (signaling.RemoteMedia, bool) { return f.remote, f.remote != nil }

func TestPreviewFollowsCalls(t *testing.T) {
	src := &fakeCalls{events: make(chan call.Event, 4), remote: newFakeRemote("r1", webrtc.RTPCodecTypeVideo)}
	p := NewPreview()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Follow(ctx, src)

	attached := func() bool {
		_, unsub, err := p.Subscribe()
		if err != nil {
			return false
		}
		unsub()
		return true
	}

	src.events <- call.Event{Type: call.EventStateChanged, Snapshot: call.Snapshot{State: call.StateActive, RemoteStreamID: "r1"}}
	require.Eventually(t, attached, 2*time.Second, 10*time.Millisecond)

	src.events <- call.Event{Type: call.EventStateChanged, Snapshot: call.Snapshot{State: call.StateIdle}}
	require.Eventually(t, func() bool { return !attached() }, 2*time.Second, 10*time.Millisecond)
}
