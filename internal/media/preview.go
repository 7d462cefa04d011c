package media

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// ErrNoStream is returned when there is no remote stream to watch.
var ErrNoStream = errors.New("media: no remote stream")

// CallSource is the part of the call manager a Preview follows.
type CallSource interface {
	Subscribe() (<-chan call.Event, func())
	RemoteMedia() (signaling.RemoteMedia, bool)
}

// Preview keeps one Muxer fed from the current call's remote stream so any
// number of viewers can share it.
type Preview struct {
	mu       sync.Mutex
	streamID string
	mux      *Muxer
	stop     context.CancelFunc
	done     chan struct{}
}

func NewPreview() *Preview { return &Preview{} }

// Attach starts muxing rm, replacing any other stream. Attaching the stream
// already in use does nothing.
func (p *Preview) Attach(rm signaling.RemoteMedia) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mux != nil && p.streamID == rm.ID() {
		return
	}
	p.detachLocked()

	ctx, cancel := context.WithCancel(context.Background())
	mux := NewMuxer()
	done := make(chan struct{})
	p.streamID, p.mux, p.stop, p.done = rm.ID(), mux, cancel, done
	log.Infof("preview attached to %s", rm.ID())
	go func() {
		defer close(done)
		_ = Pump(ctx, rm, mux)
	}()
}

// Detach stops muxing and closes every viewer's channel.
func (p *Preview) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detachLocked()
}

func (p *Preview) detachLocked() {
	if p.mux == nil {
		return
	}
	p.stop()
	<-p.done
	p.mux.Close()
	log.Infof("preview detached from %s", p.streamID)
	p.streamID, p.mux, p.stop, p.done = "", nil, nil, nil
}

// Subscribe returns the WebM message stream of the attached call.
func (p *Preview) Subscribe() (<-chan []byte, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mux == nil {
		return nil, nil, ErrNoStream
	}
	ch, cancel := p.mux.Subscribe()
	return ch, cancel, nil
}

// Follow attaches and detaches with the calls of src until ctx is done.
func (p *Preview) Follow(ctx context.Context, src CallSource) {
	events, cancel := src.Subscribe()
	defer cancel()
	defer p.Detach()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != call.EventStateChanged {
				continue
			}
			switch {
			case ev.Snapshot.State == call.StateIdle || ev.Snapshot.State == call.StateEnded:
				p.Detach()
			case ev.Snapshot.RemoteStreamID != "":
				if rm, ok := src.RemoteMedia(); ok {
					p.Attach(rm)
				}
			}
		}
	}
}
