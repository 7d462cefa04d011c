package rendezvous

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

const (
	hubChat = "chat"

	maxChatFrameBytes = 1 << 20
)

// chatHub relays messaging events between identities. A user may hold
// several connections; each receives everything addressed to that user.
type chatHub struct {
	perSec   int
	metrics  *metrics
	validate *validator.Validate

	mu    sync.Mutex
	conns map[*wsPeer]string // peer -> identity, "" before joinChat
	users map[string]map[*wsPeer]struct{}
}

func newChatHub(perSec int, m *metrics) *chatHub {
	return &chatHub{
		perSec:   perSec,
		metrics:  m,
		validate: validator.New(),
		conns:    make(map[*wsPeer]string),
		users:    make(map[string]map[*wsPeer]struct{}),
	}
}

func (h *chatHub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("chat upgrade: %v", err)
		return
	}
	p := newWSPeer(ws, h.perSec, maxChatFrameBytes)

	h.mu.Lock()
	h.conns[p] = ""
	h.mu.Unlock()
	h.metrics.connections.WithLabelValues(hubChat).Inc()

	go p.writePump()
	h.readLoop(p)
}

func (h *chatHub) readLoop(p *wsPeer) {
	defer h.leave(p)
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("chat read: %v", err)
			}
			return
		}
		if !p.limiter.Allow() {
			h.metrics.dropped.WithLabelValues(hubChat, "rate-limited").Inc()
			continue
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.metrics.dropped.WithLabelValues(hubChat, "invalid").Inc()
			continue
		}
		h.handle(p, env)
	}
}

func (h *chatHub) handle(p *wsPeer, env proto.Envelope) {
	identity := h.identityOf(p)

	switch env.Event {
	case proto.EventJoinChat:
		var raw string
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			h.metrics.dropped.WithLabelValues(hubChat, "invalid").Inc()
			return
		}
		id, err := util.ValidateIdentity(raw)
		if err != nil {
			h.metrics.dropped.WithLabelValues(hubChat, "invalid").Inc()
			return
		}
		if identity != "" && identity != id {
			log.Warnf("connection already joined as %s, ignoring join as %s", identity, id)
			return
		}
		if identity == "" {
			h.join(p, id)
		}

	case proto.EventSendMessage:
		if identity == "" {
			h.metrics.dropped.WithLabelValues(hubChat, "not-joined").Inc()
			return
		}
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			h.metrics.dropped.WithLabelValues(hubChat, "invalid").Inc()
			return
		}
		// The relay vouches for the sender.
		msg.Sender = identity
		msg.Text = strings.TrimSpace(msg.Text)
		if err := h.validate.Struct(msg); err != nil {
			h.metrics.dropped.WithLabelValues(hubChat, "invalid").Inc()
			return
		}
		h.forward(msg.Receiver, proto.EventReceiveMessage, msg, "message")

	case proto.EventInvitePlayer:
		if identity == "" {
			h.metrics.dropped.WithLabelValues(hubChat, "not-joined").Inc()
			return
		}
		var inv proto.InviteMsg
		if err := json.Unmarshal(env.Data, &inv); err != nil {
			h.metrics.dropped.WithLabelValues(hubChat, "invalid").Inc()
			return
		}
		inv.FromUser = identity
		if err := h.validate.Struct(inv); err != nil {
			h.metrics.dropped.WithLabelValues(hubChat, "invalid").Inc()
			return
		}
		h.forward(inv.ToUser, proto.EventInvitePlayer, inv, "invite")

	default:
		h.metrics.dropped.WithLabelValues(hubChat, "unknown-event").Inc()
		log.Debugf("chat: ignoring event %q", env.Event)
	}
}

func (h *chatHub) identityOf(p *wsPeer) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[p]
}

func (h *chatHub) join(p *wsPeer, id string) {
	h.mu.Lock()
	h.conns[p] = id
	set, ok := h.users[id]
	if !ok {
		set = make(map[*wsPeer]struct{})
		h.users[id] = set
	}
	set[p] = struct{}{}
	online := len(h.users)
	h.mu.Unlock()

	h.metrics.online.Set(float64(online))
	log.Infof("chat: %s joined", id)
	h.broadcastUsers()
}

func (h *chatHub) leave(p *wsPeer) {
	p.close()

	h.mu.Lock()
	id, ok := h.conns[p]
	delete(h.conns, p)
	wentOffline := false
	if ok && id != "" {
		if set := h.users[id]; set != nil {
			delete(set, p)
			if len(set) == 0 {
				delete(h.users, id)
				wentOffline = true
			}
		}
	}
	online := len(h.users)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.connections.WithLabelValues(hubChat).Dec()
	h.metrics.online.Set(float64(online))
	if wentOffline {
		log.Infof("chat: %s left", id)
		h.broadcastUsers()
	}
}

// online returns the joined identities, sorted.
func (h *chatHub) online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *chatHub) broadcastUsers() {
	b, err := encodeEnvelope(proto.EventUpdateUsers, h.online())
	if err != nil {
		log.Errorf("encode %s: %v", proto.EventUpdateUsers, err)
		return
	}
	h.mu.Lock()
	targets := make([]*wsPeer, 0, len(h.conns))
	for p, id := range h.conns {
		if id != "" {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		p.enqueue(b)
	}
}

func (h *chatHub) forward(to, event string, data any, kind string) {
	b, err := encodeEnvelope(event, data)
	if err != nil {
		log.Errorf("encode %s: %v", event, err)
		return
	}
	h.mu.Lock()
	targets := make([]*wsPeer, 0, len(h.users[to]))
	for p := range h.users[to] {
		targets = append(targets, p)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.metrics.dropped.WithLabelValues(hubChat, "offline").Inc()
		return
	}
	for _, p := range targets {
		p.enqueue(b)
	}
	h.metrics.relayed.WithLabelValues(hubChat, kind).Inc()
}

func (h *chatHub) closeAll() {
	h.mu.Lock()
	peers := make([]*wsPeer, 0, len(h.conns))
	for p := range h.conns {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	env, err := proto.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
