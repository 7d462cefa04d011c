// Package call runs the media session state machine for two-party calls.
// All session state lives on one dispatch loop goroutine; capture, dialing
// and answering run off-loop and report back tagged with the session they
// belong to, so results for a session that has since ended are discarded.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

// DefaultRingTimeout bounds Dialing and Ringing.
const DefaultRingTimeout = 30 * time.Second

// Manager owns at most one call session.
type Manager struct {
	sig   Signaler
	media MediaSource

	reqs      chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by dispatchLoop.
	opts Options
	sess *Session
	gen  uint64

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New starts a manager that takes inbound calls from sig and captures with
// media.
func New(sig Signaler, media MediaSource, opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	m := &Manager{
		sig:     sig,
		media:   media,
		reqs:    make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		opts:    opts,
		subs:    make(map[chan Event]struct{}),
	}
	go m.dispatchLoop()
	return m
}

func (m *Manager) dispatchLoop() {
	defer close(m.stopped)
	incoming := m.sig.Incoming()
	for {
		select {
		case <-m.done:
			m.end(nil)
			return
		case fn := <-m.reqs:
			fn()
		case conn, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			m.onIncoming(conn)
		}
	}
}

// post queues fn for the dispatch loop. It reports false once the manager
// is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case m.reqs <- fn:
		return true
	case <-m.done:
		return false
	}
}

// exec runs fn on the dispatch loop and returns its result.
func exec[T any](m *Manager, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	if !m.post(func() {
		v, err := fn()
		ch <- result{v, err}
	}) {
		var zero T
		return zero, ErrClosed
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-m.stopped:
		// fn may have run just before the loop exited.
		select {
		case r := <-ch:
			return r.v, r.err
		default:
		}
		var zero T
		return zero, ErrClosed
	}
}

type pending struct {
	gen  uint64
	opts Options
	ctx  context.Context
}

// PlaceCall dials remote. It returns once the offer is out; the session
// becomes Active when the connection is up. Capture failure leaves the
// manager Idle with a *MediaAcquisitionError and nothing is sent.
func (m *Manager) PlaceCall(ctx context.Context, remote string) error {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return errors.New("call: remote identity is required")
	}

	p, err := exec(m, func() (pending, error) {
		if m.sess != nil {
			return pending{}, ErrBusy
		}
		self := m.sig.Identity()
		if remote == self {
			return pending{}, errors.New("call: cannot call yourself")
		}
		m.gen++
		s := newSession(m.gen, self, remote, true, StateDialing)
		dctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		m.sess = s
		m.armTimer(s)
		m.publish(EventStateChanged, nil)
		log.Infof("dialing %s", util.Short(remote))
		return pending{gen: s.gen, opts: m.opts, ctx: dctx}, nil
	})
	if err != nil {
		return err
	}

	stream, err := m.media.Acquire(p.ctx, p.opts.Constraints)
	if err != nil {
		if p.ctx.Err() != nil {
			m.abandon(p.gen)
			return ErrAborted
		}
		err = asMediaError(err)
		m.post(func() {
			if m.current(p.gen) {
				m.end(err)
			}
		})
		return err
	}
	if ok, _ := exec(m, func() (bool, error) {
		if !m.current(p.gen) {
			return false, nil
		}
		m.sess.localStream = stream
		m.publish(EventStateChanged, nil)
		return true, nil
	}); !ok {
		stream.Stop()
		return ErrAborted
	}

	conn, err := m.sig.Dial(p.ctx, remote, stream)
	if err != nil {
		if p.ctx.Err() != nil {
			m.abandon(p.gen)
			return ErrAborted
		}
		m.post(func() {
			if m.current(p.gen) {
				m.end(fmt.Errorf("dial %s: %w", util.Short(remote), err))
			}
		})
		return err
	}
	if ok, _ := exec(m, func() (bool, error) {
		if !m.current(p.gen) {
			return false, nil
		}
		m.sess.attach(conn)
		go m.forward(p.gen, conn)
		m.publish(EventStateChanged, nil)
		return true, nil
	}); !ok {
		// Hung up while the offer was in flight.
		_ = conn.Close()
		return ErrAborted
	}
	return nil
}

// Accept answers the ringing call with fresh local capture.
func (m *Manager) Accept(ctx context.Context) error {
	p, err := exec(m, func() (pending, error) {
		s := m.sess
		if s == nil || s.state != StateRinging || s.accepting {
			return pending{}, ErrInvalidState
		}
		s.accepting = true
		actx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		return pending{gen: s.gen, opts: m.opts, ctx: actx}, nil
	})
	if err != nil {
		return err
	}

	stream, err := m.media.Acquire(p.ctx, p.opts.Constraints)
	if err != nil {
		if p.ctx.Err() != nil {
			m.abandon(p.gen)
			return ErrAborted
		}
		err = asMediaError(err)
		m.post(func() {
			if m.current(p.gen) {
				m.sess.rejectReason = proto.ReasonDeclined
				m.end(err)
			}
		})
		return err
	}
	conn, _ := exec(m, func() (signaling.Conn, error) {
		if !m.current(p.gen) {
			return nil, nil
		}
		m.sess.localStream = stream
		return m.sess.conn, nil
	})
	if conn == nil {
		stream.Stop()
		return ErrAborted
	}

	if err := conn.Answer(p.ctx, stream); err != nil {
		if p.ctx.Err() != nil {
			m.abandon(p.gen)
			return ErrAborted
		}
		m.post(func() {
			if m.current(p.gen) {
				m.end(fmt.Errorf("answer: %w", err))
			}
		})
		return err
	}

	if ok, _ := exec(m, func() (bool, error) {
		if !m.current(p.gen) {
			return false, nil
		}
		s := m.sess
		s.accepting = false
		s.attach(conn)
		m.activate(s)
		return true, nil
	}); !ok {
		return ErrAborted
	}
	return nil
}

// Decline rejects the ringing call.
func (m *Manager) Decline() error {
	_, err := exec(m, func() (struct{}, error) {
		s := m.sess
		if s == nil || s.state != StateRinging {
			return struct{}{}, ErrInvalidState
		}
		s.rejectReason = proto.ReasonDeclined
		m.end(nil)
		return struct{}{}, nil
	})
	return err
}

// Hangup ends the current session from any state. With no session it does
// nothing.
func (m *Manager) Hangup() error {
	_, err := exec(m, func() (struct{}, error) {
		s := m.sess
		if s == nil {
			return struct{}{}, nil
		}
		if s.state == StateRinging {
			s.rejectReason = proto.ReasonDeclined
		}
		m.end(nil)
		return struct{}{}, nil
	})
	return err
}

// ToggleAudio flips the local microphone. Returns true when now muted.
func (m *Manager) ToggleAudio() (bool, error) { return m.toggle(webrtc.RTPCodecTypeAudio) }

// ToggleVideo flips the local camera. Returns true when now disabled.
func (m *Manager) ToggleVideo() (bool, error) { return m.toggle(webrtc.RTPCodecTypeVideo) }

func (m *Manager) toggle(kind webrtc.RTPCodecType) (bool, error) {
	return exec(m, func() (bool, error) {
		s := m.sess
		if s == nil || (s.state != StateActive && s.state != StateDialing) {
			return false, ErrInvalidState
		}
		off := s.toggle(kind)
		m.publish(EventStateChanged, nil)
		return off, nil
	})
}

// Snapshot returns the current session view.
func (m *Manager) Snapshot() Snapshot {
	snap, err := exec(m, func() (Snapshot, error) { return m.snapshot(), nil })
	if err != nil {
		return Snapshot{State: StateIdle}
	}
	return snap
}

// RemoteMedia returns the remote stream of the current session, if any.
func (m *Manager) RemoteMedia() (signaling.RemoteMedia, bool) {
	rm, _ := exec(m, func() (signaling.RemoteMedia, error) {
		if m.sess == nil || m.sess.remoteStream == nil {
			return nil, nil
		}
		return m.sess.remoteStream, nil
	})
	return rm, rm != nil
}

// SetOptions replaces the tunables. A running session keeps its timer.
func (m *Manager) SetOptions(opts Options) {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	m.post(func() { m.opts = opts })
}

// Subscribe returns a channel of events and a func to stop delivery. Slow
// subscribers miss events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// Close ends any session and stops the dispatch loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	<-m.stopped
}

// abandon ends session gen after its context was cancelled from outside the
// loop, e.g. by the caller. A hangup or timeout has already ended it.
func (m *Manager) abandon(gen uint64) {
	m.post(func() {
		if m.current(gen) {
			m.end(nil)
		}
	})
}

// ── dispatch loop helpers ────────────────────────────────────────────────────

func (m *Manager) current(gen uint64) bool {
	return m.sess != nil && m.sess.gen == gen && !m.sess.released
}

func (m *Manager) snapshot() Snapshot {
	if m.sess == nil {
		return Snapshot{State: StateIdle, LocalIdentity: m.sig.Identity()}
	}
	return m.sess.snapshot()
}

func (m *Manager) publish(typ EventType, err error) {
	ev := Event{Type: typ, Snapshot: m.snapshot(), Err: err}
	if err != nil {
		ev.Error = err.Error()
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) armTimer(s *Session) {
	gen := s.gen
	s.timer = time.AfterFunc(m.opts.RingTimeout, func() {
		m.post(func() { m.onTimeout(gen) })
	})
}

func (m *Manager) onTimeout(gen uint64) {
	if !m.current(gen) {
		return
	}
	s := m.sess
	switch {
	case s.state == StateDialing:
		log.Warnf("no answer from %s", util.Short(s.remote))
		m.end(ErrSignalingTimeout)
	case s.state == StateRinging && !s.accepting:
		log.Infof("unanswered call from %s", util.Short(s.remote))
		s.rejectReason = proto.ReasonTimeout
		m.end(ErrSignalingTimeout)
	}
}

func (m *Manager) activate(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.setState(StateActive)
	log.Infof("call with %s active", util.Short(s.remote))
	m.publish(EventStateChanged, nil)
}

func (m *Manager) onIncoming(conn signaling.Conn) {
	if m.sess != nil {
		log.Infof("busy, rejecting call from %s", util.Short(conn.Remote()))
		go func() { _ = conn.Reject(proto.ReasonBusy) }()
		return
	}
	m.gen++
	s := newSession(m.gen, m.sig.Identity(), conn.Remote(), false, StateRinging)
	s.conn = conn
	m.sess = s
	m.armTimer(s)
	go m.forward(s.gen, conn)

	log.Infof("incoming call from %s", util.Short(conn.Remote()))
	m.publish(EventIncoming, nil)
	m.publish(EventStateChanged, nil)
}

func (m *Manager) forward(gen uint64, conn signaling.Conn) {
	for ev := range conn.Events() {
		if !m.post(func() { m.onConnEvent(gen, conn, ev) }) {
			return
		}
	}
}

func (m *Manager) onConnEvent(gen uint64, conn signaling.Conn, ev signaling.ConnEvent) {
	if !m.current(gen) {
		switch ev.Type {
		case signaling.EventConnected:
			log.Infof("late connect from %s after hangup, closing", util.Short(conn.Remote()))
			go func() { _ = conn.Close() }()
		case signaling.EventRemoteStream:
			ev.Stream.Stop()
		}
		return
	}

	s := m.sess
	switch ev.Type {
	case signaling.EventConnected:
		if s.state == StateDialing {
			m.activate(s)
		}
	case signaling.EventRemoteStream:
		s.remoteStream = ev.Stream
		m.publish(EventStateChanged, nil)
	case signaling.EventClosed:
		log.Infof("%s hung up", util.Short(s.remote))
		m.end(nil)
	case signaling.EventError:
		m.end(ev.Err)
	}
}

// end moves the session through Ended to Idle, releasing it exactly once.
func (m *Manager) end(err error) {
	s := m.sess
	if s == nil {
		return
	}
	s.setState(StateEnded)
	s.release()
	m.publish(EventStateChanged, nil)
	if err != nil {
		log.Warnf("call with %s ended: %v", util.Short(s.remote), err)
		m.publish(EventError, err)
	}
	m.sess = nil
	m.publish(EventStateChanged, nil)
}

func asMediaError(err error) error {
	var mae *MediaAcquisitionError
	if errors.As(err, &mae) {
		return err
	}
	return &MediaAcquisitionError{Err: err}
}
