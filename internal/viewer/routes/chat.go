package routes

import (
	"net/http"
)

// registerChatRoutes serves the active conversation.
//
//	POST /api/chat/select    {partner}  switch partner, load history
//	POST /api/chat/send      {text}     append, emit and persist
//	GET  /api/chat/messages             visible log, oldest first
func registerChatRoutes(mux *http.ServeMux, d Deps) {
	if d.Conversation == nil {
		return
	}
	conv := d.Conversation

	handlePost(mux, "/api/chat/select", func(w http.ResponseWriter, r *http.Request, req struct {
		Partner string `json:"partner" validate:"required"`
	}) {
		resp := map[string]any{"partner": req.Partner}
		if err := conv.Select(r.Context(), req.Partner); err != nil {
			if conv.Partner() != req.Partner {
				writeError(w, err)
				return
			}
			// Selected, but history is unavailable.
			resp["warning"] = err.Error()
		}
		resp["messages"] = conv.Messages()
		writeJSON(w, resp)
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Text string `json:"text"`
	}) {
		msg, err := conv.Send(r.Context(), req.Text)
		if err != nil && msg.ID == "" {
			writeError(w, err)
			return
		}
		resp := map[string]any{"message": msg}
		if err != nil {
			// Appended locally; the relay did not take it.
			resp["warning"] = err.Error()
		}
		writeJSON(w, resp)
	})

	handleGet(mux, "/api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"partner":  conv.Partner(),
			"messages": conv.Messages(),
		})
	})
}
