// Package mq is the messaging channel: one persistent WebSocket to the
// relay's chat hub carrying chat messages, presence lists and invites,
// addressed by user identity.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("mq")

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// maxFrameBytes bounds a single inbound frame.
	maxFrameBytes = 1 << 20
)

// ErrNotConnected is wrapped in a TransportError when the channel is used
// before Connect or after Disconnect.
var ErrNotConnected = errors.New("messaging channel not connected")

// TransportError reports a relay connection or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("mq: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Invite is the payload of an invitePlayer event.
type Invite = proto.InviteMsg

// Channel is the client end of the messaging channel. It is safe for
// concurrent use. Handlers run one at a time on the channel's read loop in
// arrival order.
type Channel struct {
	url    string
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	identity string
	done     chan struct{}

	writeMu sync.Mutex

	onMessage handlerSet[chat.Message]
	onInvite  handlerSet[Invite]
	onUsers   handlerSet[[]string]
}

// New returns a disconnected channel for the relay at relayURL.
func New(relayURL string) (*Channel, error) {
	u, err := util.WebSocketURL(relayURL, proto.ChatPath)
	if err != nil {
		return nil, fmt.Errorf("mq: relay url: %w", err)
	}
	return &Channel{
		url: u,
		dialer: &websocket.Dialer{
			HandshakeTimeout: util.DefaultConnectTimeout,
		},
	}, nil
}

// Connect dials the relay and announces identity. Connecting again with the
// same identity is a no-op.
func (c *Channel) Connect(ctx context.Context, identity string) error {
	identity, err := util.ValidateIdentity(identity)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if c.identity == identity {
			return nil
		}
		return fmt.Errorf("mq: already connected as %s", c.identity)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := c.writeTo(conn, proto.EventJoinChat, identity); err != nil {
		conn.Close()
		return &TransportError{Op: "join", Err: err}
	}

	c.conn = conn
	c.identity = identity
	c.done = make(chan struct{})
	go c.readLoop(conn, c.done)
	go c.pingLoop(conn, c.done)

	log.Infof("connected to %s as %s", c.url, identity)
	return nil
}

// Identity returns the identity announced by Connect, or "".
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connected reports whether the relay connection is up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send emits msg as a sendMessage event. There is no acknowledgment.
func (c *Channel) Send(msg chat.Message) error {
	return c.emit(proto.EventSendMessage, msg)
}

// SendInvite emits an invitePlayer event.
func (c *Channel) SendInvite(inv Invite) error {
	return c.emit(proto.EventInvitePlayer, inv)
}

// OnMessage registers fn for receiveMessage events. Messages are not
// filtered by conversation here.
func (c *Channel) OnMessage(fn func(chat.Message)) (cancel func()) { return c.onMessage.add(fn) }

// OnInvite registers fn for invitePlayer events.
func (c *Channel) OnInvite(fn func(Invite)) (cancel func()) { return c.onInvite.add(fn) }

// OnUsers registers fn for updateUsers presence lists.
func (c *Channel) OnUsers(fn func([]string)) (cancel func()) { return c.onUsers.add(fn) }

// Disconnect closes the connection and drops every handler. It is safe to
// call more than once.
func (c *Channel) Disconnect() error {
	c.onMessage.clear()
	c.onInvite.clear()
	c.onUsers.clear()

	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.identity = ""
	c.done = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()

	log.Infof("disconnected from %s", c.url)
	return conn.Close()
}

func (c *Channel) emit(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: event, Err: ErrNotConnected}
	}
	if err := c.writeTo(conn, event, data); err != nil {
		return &TransportError{Op: event, Err: err}
	}
	return nil
}

func (c *Channel) writeTo(conn *websocket.Conn, event string, data any) error {
	env, err := proto.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		var env proto.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-done:
			default:
				log.Warnf("relay connection lost: %v", err)
				c.dropConn(conn)
			}
			return
		}
		c.dispatch(env)
	}
}

// dropConn forgets conn after an unexpected read failure. Handlers stay
// registered so a later Connect resumes delivery.
func (c *Channel) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		close(c.done)
		c.conn = nil
		c.done = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Channel) dispatch(env proto.Envelope) {
	switch env.Event {
	case proto.EventReceiveMessage:
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		c.onMessage.emit(msg)
	case proto.EventInvitePlayer:
		var inv Invite
		if err := json.Unmarshal(env.Data, &inv); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		c.onInvite.emit(inv)
	case proto.EventUpdateUsers:
		var ids []string
		if err := json.Unmarshal(env.Data, &ids); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		c.onUsers.emit(ids)
	default:
		log.Debugf("ignoring event %q", env.Event)
	}
}
