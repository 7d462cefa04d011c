package rendezvous

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// sendQueue is the per-connection outbound backlog. A peer that falls
	// this far behind is disconnected.
	sendQueue = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are native processes and local UIs on arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPeer is one relay-side WebSocket. Reads happen on the hub goroutine
// that owns the connection; all writes go through writePump.
type wsPeer struct {
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

func newWSPeer(ws *websocket.Conn, perSec int, readLimit int64) *wsPeer {
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsPeer{
		ws:      ws,
		send:    make(chan []byte, sendQueue),
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		done:    make(chan struct{}),
	}
}

// enqueue queues b without blocking. It reports false when the peer is gone
// or too slow; in the slow case the peer is closed.
func (p *wsPeer) enqueue(b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- b:
		return true
	default:
		log.Warnf("closing slow connection %s", p.ws.RemoteAddr())
		p.close()
		return false
	}
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.ws.Close()
	}()
	for {
		select {
		case <-p.done:
			return
		case b := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.close()
				return
			}
		}
	}
}

// close stops the write pump, which closes the socket and unblocks the
// reader. Safe to call repeatedly.
func (p *wsPeer) close() {
	p.once.Do(func() { close(p.done) })
}
