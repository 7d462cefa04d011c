package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("signaling")

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// incomingQueue bounds unanswered inbound offers. Beyond it offers are
	// rejected as busy.
	incomingQueue = 4
)

// Client is one signaling endpoint. Open it once, then Dial or read
// Incoming. It is safe for concurrent use.
type Client struct {
	url    string
	cfg    Config
	api    *webrtc.API
	dialer *websocket.Dialer

	mu     sync.Mutex
	ws     *websocket.Conn
	id     string
	conns  map[string]*peerConn // by call id
	closed bool
	done   chan struct{}

	writeMu  sync.Mutex
	incoming chan Conn
}

// New returns an unopened client for the relay at relayURL.
func New(relayURL string, cfg Config) (*Client, error) {
	u, err := util.WebSocketURL(relayURL, proto.SignalPath)
	if err != nil {
		return nil, fmt.Errorf("signaling: relay url: %w", err)
	}
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("signaling: webrtc api: %w", err)
	}
	return &Client{
		url:      u,
		cfg:      cfg,
		api:      api,
		dialer:   &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout},
		conns:    make(map[string]*peerConn),
		done:     make(chan struct{}),
		incoming: make(chan Conn, incomingQueue),
	}, nil
}

// Open connects to the relay and waits for the assigned identity.
func (c *Client) Open(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.ws != nil {
		return c.id, nil
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}

	deadline := time.Now().Add(util.DefaultConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	var open proto.SignalMsg
	if err := ws.ReadJSON(&open); err != nil {
		ws.Close()
		return "", fmt.Errorf("signaling: waiting for open: %w", err)
	}
	if open.Type != proto.SignalOpen || open.ID == "" {
		ws.Close()
		return "", fmt.Errorf("signaling: expected open, got %q", open.Type)
	}

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.ws = ws
	c.id = open.ID
	go c.readLoop(ws)
	go c.pingLoop(ws)

	log.Infof("signaling open as %s", open.ID)
	return open.ID, nil
}

// Identity returns the relay-assigned identity, or "" before Open.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Incoming yields inbound calls. Each must be answered, rejected or closed.
func (c *Client) Incoming() <-chan Conn { return c.incoming }

// Dial offers a call to remote with local media. It returns once the offer
// is sent; progress arrives on the conn's Events. If ctx ends before the
// offer is out, nothing is sent and ctx's error is returned.
func (c *Client) Dial(ctx context.Context, remote string, local LocalMedia) (Conn, error) {
	c.mu.Lock()
	self, open := c.id, c.ws != nil
	c.mu.Unlock()
	if !open {
		return nil, ErrNotOpen
	}
	if remote == "" || remote == self {
		return nil, fmt.Errorf("signaling: cannot dial %q", remote)
	}

	pc, err := c.api.NewPeerConnection(c.cfg.rtcConfig())
	if err != nil {
		return nil, err
	}
	callID := uuid.NewString()
	pconn := newPeerConn(c, callID, remote, true, pc)

	senders, err := addLocalMedia(pc, local)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	pconn.keepSenders(senders, local)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	sdp, err := c.localDescription(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	// A hangup during gathering must not ring the callee.
	if err := ctx.Err(); err != nil {
		_ = pc.Close()
		return nil, err
	}

	if !c.register(pconn) {
		_ = pc.Close()
		return nil, ErrClosed
	}
	if err := c.send(proto.SignalMsg{
		Type:   proto.SignalOffer,
		Dst:    remote,
		CallID: callID,
		SDP:    &proto.SDP{Type: sdp.Type.String(), SDP: sdp.SDP},
	}); err != nil {
		pconn.finish(ConnEvent{Type: EventError, Err: err}, false)
		return nil, err
	}
	log.Infof("call %s: offer sent to %s", util.Short(callID), util.Short(remote))
	return pconn, nil
}

// Close ends every call and the relay connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	ws := c.ws
	conns := make([]*peerConn, 0, len(c.conns))
	for _, pc := range c.conns {
		conns = append(conns, pc)
	}
	c.mu.Unlock()

	for _, pc := range conns {
		pc.finish(ConnEvent{Type: EventClosed}, true)
	}
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()
	return ws.Close()
}

// localDescription applies desc and waits for ICE gathering so the SDP
// carries every candidate. If ctx ends first the partial SDP is returned.
func (c *Client) localDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		log.Warnf("ICE gathering cut short: %v", ctx.Err())
	}
	local := pc.LocalDescription()
	if local == nil {
		return nil, errors.New("no local description")
	}
	return local, nil
}

func (c *Client) register(pc *peerConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conns[pc.callID] = pc
	return true
}

func (c *Client) forget(callID string) {
	c.mu.Lock()
	delete(c.conns, callID)
	c.mu.Unlock()
}

func (c *Client) lookup(callID string) *peerConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[callID]
}

func (c *Client) send(msg proto.SignalMsg) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotOpen
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.lost(ws)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warnf("signaling connection lost: %v", err)
			}
			return
		}
		msg, err := proto.ParseSignal(data)
		if err != nil {
			log.Warnf("dropping bad signaling frame: %v", err)
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg proto.SignalMsg) {
	switch msg.Type {
	case proto.SignalOffer:
		c.handleOffer(msg)
		return
	case proto.SignalError:
		if msg.CallID == "" {
			log.Warnf("relay error %s: %s", msg.Code, msg.Message)
			return
		}
		if pc := c.lookup(msg.CallID); pc != nil {
			pc.handle(msg)
		}
		return
	}

	pc := c.lookup(msg.CallID)
	if pc == nil {
		log.Debugf("frame %s for unknown call %s", msg.Type, util.Short(msg.CallID))
		return
	}
	if pc.remote != msg.Src {
		log.Warnf("call %s: ignoring %s from %s", util.Short(msg.CallID), msg.Type, util.Short(msg.Src))
		return
	}
	pc.handle(msg)
}

func (c *Client) handleOffer(msg proto.SignalMsg) {
	if msg.Src == "" || c.lookup(msg.CallID) != nil {
		// Renegotiation is not supported.
		return
	}
	pc, err := c.api.NewPeerConnection(c.cfg.rtcConfig())
	if err != nil {
		log.Errorf("call %s: new peer connection: %v", util.Short(msg.CallID), err)
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP}); err != nil {
		log.Warnf("call %s: bad offer from %s: %v", util.Short(msg.CallID), util.Short(msg.Src), err)
		_ = pc.Close()
		_ = c.send(proto.SignalMsg{Type: proto.SignalReject, Dst: msg.Src, CallID: msg.CallID, Reason: "invalid-offer"})
		return
	}

	pconn := newPeerConn(c, msg.CallID, msg.Src, false, pc)
	if !c.register(pconn) {
		_ = pc.Close()
		return
	}
	select {
	case c.incoming <- pconn:
		log.Infof("call %s: incoming from %s", util.Short(msg.CallID), util.Short(msg.Src))
	default:
		log.Warnf("call %s: incoming queue full, rejecting", util.Short(msg.CallID))
		_ = pconn.Reject(proto.ReasonBusy)
	}
}

// lost fails calls that were still negotiating when the relay went away.
// Established calls keep running on their own transport.
func (c *Client) lost(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.id = ""
	}
	pending := make([]*peerConn, 0, len(c.conns))
	for _, pc := range c.conns {
		if pc.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
			pending = append(pending, pc)
		}
	}
	c.mu.Unlock()
	ws.Close()

	for _, pc := range pending {
		pc.finish(ConnEvent{Type: EventError, Err: ErrNotOpen}, false)
	}
}

func (c *Client) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
