package rendezvous

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

// maxBodyBytes bounds REST request bodies.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListUsers()
	if err != nil {
		log.Errorf("list users: %v", err)
		writeError(w, http.StatusInternalServerError, "list users failed")
		return
	}
	if users == nil {
		users = []proto.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var u proto.User
	if !decodeBody(w, r, &u) {
		return
	}
	u.Username = strings.TrimSpace(u.Username)
	u.Email = strings.TrimSpace(u.Email)
	if err := s.validate.Struct(u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.ID != "" {
		id, err := util.ValidateIdentity(u.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "id: "+err.Error())
			return
		}
		u.ID = id
	}

	stored, err := s.db.UpsertUser(u)
	if err != nil {
		log.Errorf("register user %s: %v", u.Username, err)
		writeError(w, http.StatusInternalServerError, "register failed")
		return
	}
	log.Infof("registered user %s (%s)", stored.Username, stored.ID)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, errA := util.ValidateIdentity(vars["a"])
	b, errB := util.ValidateIdentity(vars["b"])
	if errA != nil || errB != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	msgs, err := s.db.Conversation(a, b, storage.DefaultHistoryLimit)
	if err != nil {
		log.Errorf("history %s/%s: %v", a, b, err)
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var m chat.Message
	if !decodeBody(w, r, &m) {
		return
	}
	m.Text = strings.TrimSpace(m.Text)
	if err := s.validate.Struct(m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if m.Sender == m.Receiver {
		writeError(w, http.StatusBadRequest, "sender and receiver must differ")
		return
	}

	stored, err := s.db.InsertMessage(m)
	if err != nil {
		log.Errorf("store message %s→%s: %v", m.Sender, m.Receiver, err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}
