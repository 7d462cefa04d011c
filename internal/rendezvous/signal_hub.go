package rendezvous

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/proto"
)

const hubSignal = "signal"

// signalHub routes call-signaling frames between connections. Every
// connection gets a fresh relay-assigned identity in an open frame; the
// relay stamps src on each forwarded frame so peers cannot spoof it.
type signalHub struct {
	perSec    int
	readLimit int64
	metrics   *metrics

	mu    sync.Mutex
	peers map[string]*wsPeer
}

func newSignalHub(perSec int, readLimit int64, m *metrics) *signalHub {
	return &signalHub{
		perSec:    perSec,
		readLimit: readLimit,
		metrics:   m,
		peers:     make(map[string]*wsPeer),
	}
}

func (h *signalHub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("signal upgrade: %v", err)
		return
	}
	p := newWSPeer(ws, h.perSec, h.readLimit)
	id := uuid.NewString()

	h.mu.Lock()
	h.peers[id] = p
	h.mu.Unlock()
	h.metrics.connections.WithLabelValues(hubSignal).Inc()

	go p.writePump()
	h.sendTo(p, proto.SignalMsg{Type: proto.SignalOpen, ID: id})
	log.Debugf("signal: opened %s", id)

	h.readLoop(id, p)
}

func (h *signalHub) readLoop(id string, p *wsPeer) {
	defer h.leave(id, p)
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.metrics.dropped.WithLabelValues(hubSignal, "too-large").Inc()
				log.Warnf("signal: %s sent an oversized frame", id)
			}
			return
		}
		if !p.limiter.Allow() {
			h.metrics.dropped.WithLabelValues(hubSignal, "rate-limited").Inc()
			h.sendTo(p, proto.SignalMsg{Type: proto.SignalError, Code: proto.CodeRateLimited})
			continue
		}

		msg, err := proto.ParseSignal(data)
		if err != nil {
			h.metrics.dropped.WithLabelValues(hubSignal, "invalid").Inc()
			h.sendTo(p, proto.SignalMsg{Type: proto.SignalError, Code: proto.CodeInvalid, Message: err.Error()})
			continue
		}
		if msg.Type == proto.SignalOpen || msg.Type == proto.SignalError {
			h.metrics.dropped.WithLabelValues(hubSignal, "invalid").Inc()
			h.sendTo(p, proto.SignalMsg{Type: proto.SignalError, Code: proto.CodeInvalid, Message: "relay-only message type"})
			continue
		}
		msg.Src = id
		h.route(p, msg)
	}
}

func (h *signalHub) route(from *wsPeer, msg proto.SignalMsg) {
	h.mu.Lock()
	to := h.peers[msg.Dst]
	h.mu.Unlock()

	if to == nil || !to.enqueue(mustMarshal(msg)) {
		h.metrics.dropped.WithLabelValues(hubSignal, "unavailable").Inc()
		h.sendTo(from, proto.SignalMsg{
			Type:   proto.SignalError,
			Code:   proto.CodeUnavailableID,
			Dst:    msg.Dst,
			CallID: msg.CallID,
		})
		return
	}
	h.metrics.relayed.WithLabelValues(hubSignal, string(msg.Type)).Inc()
}

func (h *signalHub) sendTo(p *wsPeer, msg proto.SignalMsg) {
	p.enqueue(mustMarshal(msg))
}

func (h *signalHub) leave(id string, p *wsPeer) {
	p.close()
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
	h.metrics.connections.WithLabelValues(hubSignal).Dec()
	log.Debugf("signal: closed %s", id)
}

func (h *signalHub) closeAll() {
	h.mu.Lock()
	peers := make([]*wsPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// mustMarshal encodes a SignalMsg, whose fields are all plain values.
func mustMarshal(msg proto.SignalMsg) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return b
}
