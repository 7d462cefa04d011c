// Package app wires the peer and relay processes together and owns their
// lifecycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/directory"
	"github.com/petervdpas/goopcall/internal/invite"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/rendezvous"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("app")

const logBufferSize = 800

// Options locates a process's folder and config.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Ready, when set, receives the viewer URL once the peer is serving.
	Ready func(viewerURL string)
}

// Run starts a peer: it registers with the relay directory, connects the
// messaging and signaling channels, and serves the local UI API until ctx
// is cancelled. Everything it opened is closed before it returns.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	setLogLevel(cfg.Log.Level)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logs := viewer.NewLogBuffer(logBufferSize)
	logs.Capture(ctx)
	logBanner(opt.PeerDir, opt.CfgPath)

	self, err := util.ValidateIdentity(cfg.Identity.UserID)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	// Directory. A relay that is down only costs us the initial list.
	dirClient := directory.NewClient(cfg.Relay.URL)
	register(ctx, dirClient, self, cfg.Identity)
	dir := directory.New(dirClient, self)
	if _, err := dir.Refresh(ctx); err == nil {
		log.Infof("directory: %d user(s)", dir.Len())
	}

	bridge := routes.NewBridge()
	defer dir.OnPresenceUpdate(func(entries []directory.Entry) {
		bridge.Publish(routes.EventPresence, entries)
	})()

	// Messaging channel + conversation.
	ch, err := mq.New(cfg.Relay.URL)
	if err != nil {
		return err
	}
	conv := chat.NewConversation(self, ch, dirClient, cfg.Call.ChatHistoryCap)
	defer conv.Wait()
	defer ch.OnMessage(func(m chat.Message) { conv.Receive(m) })()
	defer ch.OnUsers(dir.ApplyPresence)()

	if err := ch.Connect(ctx, self); err != nil {
		return fmt.Errorf("messaging channel: %w", err)
	}
	defer func() {
		if err := ch.Disconnect(); err != nil {
			log.Warnf("disconnect messaging channel: %v", err)
		}
	}()

	// Call signaling + media session manager.
	sig, err := signaling.New(cfg.Relay.URL, signaling.Config{STUNServers: cfg.Call.STUNServers})
	if err != nil {
		return err
	}
	defer sig.Close()
	octx, ocancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	callID, err := sig.Open(octx)
	ocancel()
	if err != nil {
		return fmt.Errorf("signaling channel: %w", err)
	}
	log.Infof("call identity: %s", callID)

	calls := call.New(sig, call.NewDeviceSource(), callOptions(cfg))
	defer calls.Close()

	invites := invite.New(ch, conv, bridge, bridge)
	invites.Start()
	defer invites.Stop()

	preview := media.NewPreview()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		forwardChat(gctx, conv, bridge)
		return nil
	})
	g.Go(func() error {
		preview.Follow(gctx, calls)
		return nil
	})

	if opt.CfgPath != "" {
		err := config.Watch(gctx, opt.CfgPath, func(c config.Config) {
			setLogLevel(c.Log.Level)
			calls.SetOptions(callOptions(c))
		})
		if err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.New(addr, routes.Deps{
			Self:         self,
			Directory:    dir,
			Conversation: conv,
			Calls:        calls,
			Invites:      invites,
			Preview:      preview,
			Bridge:       bridge,
			Logs:         logs,
		})
		if err := v.Start(gctx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		log.Infof("local UI API: %s", v.URL())
		if opt.Ready != nil {
			opt.Ready(v.URL())
		}
		g.Go(v.Wait)
	}

	<-gctx.Done()
	log.Info("shutting down peer")
	cancel()
	return g.Wait()
}

// RunRelay serves the relay until ctx is cancelled.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	setLogLevel(cfg.Log.Level)
	logBanner(opt.PeerDir, opt.CfgPath)

	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Rendezvous.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()

	rv := rendezvous.New(cfg.Rendezvous, db)
	if err := rv.Start(ctx); err != nil {
		return err
	}
	log.Info("────────────────────────────────────────────────────────")
	log.Infof("relay: %s", rv.URL())
	log.Infof("metrics: %s/metrics", rv.URL())
	log.Info("────────────────────────────────────────────────────────")
	if opt.Ready != nil {
		opt.Ready(rv.URL())
	}
	return rv.Wait()
}

func callOptions(cfg config.Config) call.Options {
	return call.Options{
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		Constraints: call.Constraints{
			Audio:        true,
			Video:        !cfg.Call.VideoDisabled,
			PreferredCam: cfg.Call.PreferredCam,
			PreferredMic: cfg.Call.PreferredMic,
		},
	}
}

func register(ctx context.Context, c *directory.Client, self string, id config.Identity) {
	if id.Username == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
	defer cancel()
	u, err := c.Register(ctx, proto.User{ID: self, Username: id.Username, Email: id.Email})
	if err != nil {
		var te *directory.TransportError
		if errors.As(err, &te) {
			log.Warnf("directory registration skipped: %v", err)
			return
		}
		log.Errorf("directory registration: %v", err)
		return
	}
	log.Infof("registered as %s (%s)", u.Username, u.ID)
}

// forwardChat republishes conversation appends as UI events.
func forwardChat(ctx context.Context, conv *chat.Conversation, bridge *routes.Bridge) {
	msgs, cancel := conv.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			bridge.Publish(routes.EventChatMessage, m)
		}
	}
}

func setLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}
