// Package routes is the local HTTP API the embedding UI drives: directory,
// conversation, invites, call control, and event streams.
package routes

import (
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/directory"
	"github.com/petervdpas/goopcall/internal/invite"
	"github.com/petervdpas/goopcall/internal/media"
)

var log = logging.Logger("viewer")

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Deps are the services behind the routes. A nil service leaves its routes
// unregistered.
type Deps struct {
	Self         string
	Directory    *directory.Directory
	Conversation *chat.Conversation
	Calls        *call.Manager
	Invites      *invite.Coordinator
	Preview      *media.Preview
	Bridge       *Bridge
	Logs         Logs
}

func Register(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"id": d.Self}
		if d.Calls != nil {
			resp["call_identity"] = d.Calls.Snapshot().LocalIdentity
		}
		writeJSON(w, resp)
	})

	registerAPILogRoutes(mux, d)
	registerDirectoryRoutes(mux, d)
	registerChatRoutes(mux, d)
	registerInviteRoutes(mux, d)
	registerEventRoutes(mux, d)
	registerCallRoutes(mux, d)
}
