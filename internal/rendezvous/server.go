// Package rendezvous is the relay every goopcall peer connects to. It serves
// the user directory and message history over REST, fans out chat events and
// presence on /ws/chat and routes call-signaling frames on /ws/signal.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("relay")

type Server struct {
	addr     string
	db       *storage.DB
	validate *validator.Validate
	metrics  *metrics

	chat   *chatHub
	signal *signalHub

	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	group *errgroup.Group
}

// New builds a relay backed by db. Nothing listens until Start.
func New(cfg config.Rendezvous, db *storage.DB) *Server {
	m := newMetrics()
	return &Server{
		addr:     net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)),
		db:       db,
		validate: validator.New(),
		metrics:  m,
		chat:     newChatHub(cfg.MaxMessagesPerSec, m),
		signal:   newSignalHub(cfg.MaxMessagesPerSec, int64(cfg.MaxSignalFrameBytes), m),
	}
}

// Handler returns the relay's routes. Tests mount it on httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix(proto.APIPrefix).Subrouter()
	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleRegisterUser).Methods(http.MethodPost)
	api.HandleFunc("/messages/{a}/{b}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/messages", s.handlePostMessage).Methods(http.MethodPost)

	r.HandleFunc(proto.ChatPath, s.chat.serveWS)
	r.HandleFunc(proto.SignalPath, s.signal.serveWS)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.reg, promhttp.HandlerOpts{}))

	r.Use(s.metrics.instrument)
	return r
}

// Start listens and serves until ctx is cancelled. Use Wait to block until
// the server has stopped.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		err := srv.Shutdown(shctx)
		// Hijacked WebSockets are not tracked by Shutdown.
		s.chat.closeAll()
		s.signal.closeAll()
		return err
	})

	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.group = g
	s.mu.Unlock()

	log.Infof("relay listening on %s", s.URL())
	return nil
}

// Wait blocks until a started server has shut down.
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// URL is the base URL peers use as relay_url. After Start it reflects the
// bound port, so a zero port in config is resolved.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return "http://" + s.ln.Addr().String()
	}
	return "http://" + s.addr
}
