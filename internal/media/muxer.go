// Package media turns the remote side of a call into a live WebM stream
// (VP8 video, Opus audio) that a browser can play through Media Source
// Extensions, so the local UI can show the call without its own
// RTCPeerConnection.
package media

import (
	"bytes"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("media")

const (
	// maxPendingAudio bounds audio held while video is stalled, about five
	// seconds of 20 ms Opus frames.
	maxPendingAudio = 250

	// A SimpleBlock offset is int16 ms; audio further from its cluster is dropped.
	maxBlockOffset = 30_000

	defaultWidth  = 640
	defaultHeight = 480

	subscriberQueue = 32
)

type audioFrame struct {
	at   int64 // ms
	data []byte
}

// Muxer writes one Cluster per video frame and folds the audio received
// since the previous video frame into it. Nothing is emitted before the
// first key frame; that frame produces the init segment.
type Muxer struct {
	mu sync.Mutex

	audio  bool
	init   []byte
	replay []byte // last cluster that opened on a key frame
	queue  []audioFrame
	subs   map[chan []byte]struct{}
	closed bool
}

func NewMuxer() *Muxer {
	return &Muxer{subs: make(map[chan []byte]struct{})}
}

// EnableAudio adds an Opus track. It has no effect once the init segment is
// out; audio written after that without a track is discarded.
func (m *Muxer) EnableAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.init == nil {
		m.audio = true
	}
}

// Ready reports whether the init segment has been produced.
func (m *Muxer) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.init != nil
}

// WriteVideo adds a VP8 frame at offset at from the start of the video track.
func (m *Muxer) WriteVideo(at time.Duration, frame []byte) {
	key, w, h := vp8Keyframe(frame)
	ms := at.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.init == nil {
		if !key {
			return
		}
		if w == 0 || h == 0 {
			w, h = defaultWidth, defaultHeight
		}
		m.init = initSegment(w, h, m.audio)
		log.Infof("webm init: VP8 %dx%d audio=%v", w, h, m.audio)
		m.broadcast(m.init)
	}

	start := ms
	if len(m.queue) > 0 && m.queue[0].at < start {
		start = m.queue[0].at
	}
	if ms-start > maxBlockOffset {
		start = ms
	}
	var blocks bytes.Buffer
	if m.audio {
		for _, a := range m.queue {
			rel := a.at - start
			if rel < -maxBlockOffset || rel > maxBlockOffset {
				continue
			}
			blocks.Write(simpleBlock(audioTrack, int16(rel), true, a.data))
		}
	}
	m.queue = m.queue[:0]
	blocks.Write(simpleBlock(videoTrack, int16(ms-start), key, frame))

	c := cluster(start, blocks.Bytes())
	if key {
		m.replay = c
	}
	m.broadcast(c)
}

// WriteAudio queues an Opus frame for the next cluster.
func (m *Muxer) WriteAudio(at time.Duration, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || (m.init != nil && !m.audio) {
		return
	}
	if len(m.queue) == maxPendingAudio {
		m.queue = append(m.queue[:0], m.queue[1:]...)
	}
	m.queue = append(m.queue, audioFrame{at: at.Milliseconds(), data: append([]byte(nil), frame...)})
}

// Subscribe returns a channel of WebM messages: the init segment and last
// key cluster first when they exist, then live clusters. Slow subscribers
// miss clusters. The channel closes on cancel or Close.
func (m *Muxer) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberQueue)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if m.init != nil {
		ch <- m.init
		if m.replay != nil {
			ch <- m.replay
		}
	}
	m.subs[ch] = struct{}{}
	log.Debugf("webm subscriber added (total=%d)", len(m.subs))
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
		})
	}
}

// Close ends every subscription.
func (m *Muxer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

func (m *Muxer) broadcast(msg []byte) {
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
