package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/directory"
)

func registerDirectoryRoutes(mux *http.ServeMux, d Deps) {
	if d.Directory == nil {
		return
	}

	// GET /api/directory: every known user except self, with online flags.
	handleGet(mux, "/api/directory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Directory.Entries())
	})

	// POST /api/directory/refresh re-reads the relay's user list. A failure
	// still returns the known entries alongside the error.
	handlePost(mux, "/api/directory/refresh", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		entries, err := d.Directory.Refresh(r.Context())
		resp := struct {
			Entries []directory.Entry `json:"entries"`
			Warning string            `json:"warning,omitempty"`
		}{Entries: entries}
		if err != nil {
			resp.Warning = err.Error()
		}
		writeJSON(w, resp)
	})
}
