package media

import (
	"context"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/signaling"
)

const (
	videoClockRate = 90000

	// Packets a sample builder holds for reordering before giving up on a gap.
	videoMaxLate = 128
	audioMaxLate = 16
)

type trackPump struct {
	kind    webrtc.RTPCodecType
	clock   uint32
	maxLate uint16
	depack  func() rtp.Depacketizer
	write   func(time.Duration, []byte)
}

// Pump depacketizes the remote stream's RTP into mux until ctx is done or
// the stream stops.
func Pump(ctx context.Context, rm signaling.RemoteMedia, mux *Muxer) error {
	for _, k := range rm.Kinds() {
		if k == webrtc.RTPCodecTypeAudio {
			mux.EnableAudio()
		}
	}

	pumps := []trackPump{
		{
			kind:    webrtc.RTPCodecTypeVideo,
			clock:   videoClockRate,
			maxLate: videoMaxLate,
			depack:  func() rtp.Depacketizer { return &codecs.VP8Packet{} },
			write:   mux.WriteVideo,
		},
		{
			kind:    webrtc.RTPCodecTypeAudio,
			clock:   opusSampleRate,
			maxLate: audioMaxLate,
			depack:  func() rtp.Depacketizer { return &codecs.OpusPacket{} },
			write: func(at time.Duration, frame []byte) {
				mux.EnableAudio()
				mux.WriteAudio(at, frame)
			},
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pumps {
		g.Go(func() error { return p.run(ctx, rm) })
	}
	return g.Wait()
}

func (p trackPump) run(ctx context.Context, rm signaling.RemoteMedia) error {
	packets, cancel := rm.Subscribe(p.kind)
	defer cancel()

	sb := samplebuilder.New(p.maxLate, p.depack(), p.clock)
	var (
		base    uint32
		started bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				log.Debugf("remote %s ended", p.kind)
				return nil
			}
			sb.Push(pkt)
			for s := sb.Pop(); s != nil; s = sb.Pop() {
				if !started {
					base, started = s.PacketTimestamp, true
				}
				// RTP timestamps wrap; the uint32 difference stays correct.
				ticks := uint64(s.PacketTimestamp - base)
				p.write(time.Duration(ticks*uint64(time.Second)/uint64(p.clock)), s.Data)
			}
		}
	}
}
