// Package viewer serves the local UI API on the peer's loopback address.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Addr string
	Deps routes.Deps

	mu    sync.Mutex
	ln    net.Listener
	group *errgroup.Group
}

func New(addr string, deps routes.Deps) *Viewer {
	return &Viewer{Addr: addr, Deps: deps}
}

func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	routes.Register(mux, v.Deps)
	return noCache(mux)
}

// Start listens on Addr and serves until ctx ends.
func (v *Viewer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", v.Addr)
	if err != nil {
		return fmt.Errorf("viewer listen %s: %w", v.Addr, err)
	}
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
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
		return srv.Shutdown(shctx)
	})

	v.mu.Lock()
	v.ln, v.group = ln, g
	v.mu.Unlock()
	log.Infof("viewer listening on %s", v.URL())
	return nil
}

func (v *Viewer) Wait() error {
	v.mu.Lock()
	g := v.group
	v.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// URL is the base URL of the running viewer.
func (v *Viewer) URL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ln != nil {
		return "http://" + v.ln.Addr().String()
	}
	return "http://" + v.Addr
}
