package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/call"
)

const mediaWriteWait = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The UI may be served from a webview or file:// origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerCallRoutes exposes the call manager.
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	if d.Calls == nil {
		return
	}
	calls := d.Calls

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/start dials remote, a call-signaling identity.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Remote string `json:"remote" validate:"required"`
	}) {
		if err := calls.PlaceCall(r.Context(), req.Remote); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Accept(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Decline(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Hangup(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleAudio()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := calls.ToggleVideo()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/events: SSE of state changes, incoming calls and errors.
	// The current state is sent first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		events, cancel := calls.Subscribe()
		defer cancel()

		_ = writeSSE(w, string(call.EventStateChanged), call.Event{Type: call.EventStateChanged, Snapshot: calls.Snapshot()})
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeSSE(w, string(ev.Type), ev); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	if d.Preview == nil {
		return
	}

	// GET /api/call/media: WebSocket of the remote stream as live WebM. The
	// first message is the init segment, then clusters. Closes when the
	// call ends.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		data, cancel, err := d.Preview.Subscribe()
		if err != nil {
			writeError(w, err)
			return
		}
		defer cancel()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("media websocket upgrade: %v", err)
			return
		}
		defer conn.Close()
		log.Debugf("media websocket connected from %s", r.RemoteAddr)

		// Drain control frames; a read error means the viewer went away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case msg, ok := <-data:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
						time.Now().Add(mediaWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(mediaWriteWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			}
		}
	})
}
