package routes

import (
	"net/http"
)

// registerInviteRoutes lets the UI invite the selected partner and answer
// invitation prompts raised on /api/events.
func registerInviteRoutes(mux *http.ServeMux, d Deps) {
	if d.Invites != nil {
		handlePost(mux, "/api/invite", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := d.Invites.SendInvite(r.Context()); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "sent"})
		})
	}

	if d.Bridge != nil {
		handlePost(mux, "/api/invite/respond", func(w http.ResponseWriter, r *http.Request, req struct {
			ID     string `json:"id" validate:"required"`
			Accept bool   `json:"accept"`
		}) {
			if err := d.Bridge.Respond(req.ID, req.Accept); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})
	}
}

// GET /api/events: SSE stream of chat messages, presence changes, invite
// prompts and navigation requests.
func registerEventRoutes(mux *http.ServeMux, d Deps) {
	if d.Bridge == nil {
		return
	}
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		events, cancel := d.Bridge.Subscribe()
		defer cancel()

		_ = writeSSE(w, "connected", map[string]string{"status": "ok"})
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeSSE(w, ev.Type, ev.Data); err != nil {
					log.Debugf("events stream: %v", err)
					return
				}
				flusher.Flush()
			}
		}
	})
}
