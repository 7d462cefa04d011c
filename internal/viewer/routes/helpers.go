package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/directory"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/mq"
)

const maxBodyBytes = 64 << 10

var validate = validator.New()

func handleGet(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(http.MethodGet+" "+path, h)
}

// handlePost decodes and validates a JSON body of type T before calling h.
// An empty body decodes to the zero T.
func handlePost[T any](mux *http.ServeMux, path string, h func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(http.MethodPost+" "+path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		h(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return err
	}
	if err := validate.Struct(dst); err != nil {
		var inv *validator.InvalidValidationError
		if !errors.As(err, &inv) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	var mae *call.MediaAcquisitionError
	var dte *directory.TransportError
	var mte *mq.TransportError
	switch {
	case errors.Is(err, chat.ErrNoTargetSelected),
		errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrSelfTarget):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrNoStream), errors.Is(err, ErrUnknownPrompt):
		return http.StatusNotFound
	case errors.Is(err, call.ErrSignalingTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &mae):
		return http.StatusServiceUnavailable
	case errors.As(err, &dte), errors.As(err, &mte):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
