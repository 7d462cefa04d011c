package routes

import "net/http"

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("GET /api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("GET /api/logs/stream", d.Logs.ServeLogsSSE)
}
