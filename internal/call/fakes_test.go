package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signaling"
)

type fakeStream struct {
	id    string
	stops atomic.Int32
}

func (f *fakeStream) ID() string                  { return f.id }
func (f *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (f *fakeStream) Stop()                       { f.stops.Add(1) }

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (f *fakeMedia) Acquire(ctx context.Context, c Constraints) (LocalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{id: fmt.Sprintf("local-%d", len(f.streams)+1)}
	f.streams = append(f.streams, s)
	return s, nil
}

// blockingMedia holds Acquire until its context ends, like a permission
// prompt that is never answered.
type blockingMedia struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingMedia() *blockingMedia { return &blockingMedia{started: make(chan struct{})} }

func (b *blockingMedia) Acquire(ctx context.Context, c Constraints) (LocalStream, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, fmt.Errorf("open camera: %w", ctx.Err())
}

func (f *fakeMedia) acquired() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

type fakeRemote struct {
	stops atomic.Int32
}

func (f *fakeRemote) ID() string                   { return "remote-stream" }
func (f *fakeRemote) Kinds() []webrtc.RTPCodecType { return nil }
func (f *fakeRemote) Subscribe(webrtc.RTPCodecType) (<-chan *rtp.Packet, func()) {
	ch := make(chan *rtp.Packet)
	close(ch)
	return ch, func() {}
}
func (f *fakeRemote) Stop() { f.stops.Add(1) }

type fakeConn struct {
	id       string
	remote   string
	outbound bool
	events   chan signaling.ConnEvent

	mu           sync.Mutex
	terminated   bool
	closes       int
	rejects      int
	rejectReason string
	answers      int
	sending      map[webrtc.RTPCodecType]bool
}

func newFakeConn(id, remote string, outbound bool) *fakeConn {
	return &fakeConn{
		id:       id,
		remote:   remote,
		outbound: outbound,
		events:   make(chan signaling.ConnEvent, 8),
		sending:  make(map[webrtc.RTPCodecType]bool),
	}
}

func (c *fakeConn) ID() string                         { return c.id }
func (c *fakeConn) Remote() string                     { return c.remote }
func (c *fakeConn) Outbound() bool                     { return c.outbound }
func (c *fakeConn) Events() <-chan signaling.ConnEvent { return c.events }

func (c *fakeConn) Answer(ctx context.Context, local signaling.LocalMedia) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return nil
}

func (c *fakeConn) Reject(reason string) error {
	c.mu.Lock()
	c.rejects++
	c.rejectReason = reason
	c.mu.Unlock()
	c.push(signaling.ConnEvent{Type: signaling.EventClosed})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.push(signaling.ConnEvent{Type: signaling.EventClosed})
	return nil
}

func (c *fakeConn) SetSending(kind webrtc.RTPCodecType, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending[kind] = on
	return nil
}

// push delivers ev like a real conn would: nothing after the terminal event.
func (c *fakeConn) push(ev signaling.ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.events <- ev
	if ev.Type.Terminal() {
		c.terminated = true
		close(c.events)
	}
}

func (c *fakeConn) counts() (closes, rejects int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes, c.rejects, c.rejectReason
}

type fakeSignaler struct {
	incoming chan signaling.Conn

	mu       sync.Mutex
	dials    []*fakeConn
	dialGate chan struct{}

	// failCancelled makes Dial fail with the context error once the gate
	// opens on a cancelled context.
	failCancelled bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{incoming: make(chan signaling.Conn, 4)}
}

func (s *fakeSignaler) Identity() string                { return "me" }
func (s *fakeSignaler) Incoming() <-chan signaling.Conn { return s.incoming }

func (s *fakeSignaler) Dial(ctx context.Context, remote string, local signaling.LocalMedia) (signaling.Conn, error) {
	s.mu.Lock()
	gate, failCancelled := s.dialGate, s.failCancelled
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err := ctx.Err(); err != nil && failCancelled {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := newFakeConn(fmt.Sprintf("call-%d", len(s.dials)+1), remote, true)
	s.dials = append(s.dials, c)
	return c, nil
}

func (s *fakeSignaler) dialed() []*fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeConn(nil), s.dials...)
}
