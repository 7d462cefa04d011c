// Package invite exchanges call invitations over the messaging channel.
// An accepted invitation only opens the call view; the call itself is
// placed later from that view.
package invite

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/mq"
)

var log = logging.Logger("invite")

// DefaultPromptTimeout is how long an unanswered prompt stays open.
const DefaultPromptTimeout = 60 * time.Second

// ErrNoTargetSelected is returned by SendInvite without an active partner.
var ErrNoTargetSelected = chat.ErrNoTargetSelected

// Channel is the messaging transport for invites.
type Channel interface {
	SendInvite(inv mq.Invite) error
	OnInvite(fn func(mq.Invite)) (cancel func())
}

// Selection names the local user and the partner currently selected.
// *chat.Conversation implements it.
type Selection interface {
	Self() string
	Partner() string
}

// Prompter asks the local user whether to accept an invitation from from.
// It returns false when the user declines or does not answer before ctx ends.
type Prompter interface {
	Confirm(ctx context.Context, from string) (bool, error)
}

// Navigator opens the call view for a conversation with peer.
type Navigator interface {
	OpenCallView(peer string) error
}

// Coordinator sends invites to the selected partner and turns received
// invites into prompts.
type Coordinator struct {
	ch     Channel
	sel    Selection
	prompt Prompter
	nav    Navigator

	PromptTimeout time.Duration

	mu      sync.Mutex
	cancel  func()
	stop    context.CancelFunc
	pending map[string]bool // senders with an open prompt
	wg      sync.WaitGroup
}

// New returns a stopped coordinator; call Start to receive invites.
func New(ch Channel, sel Selection, prompt Prompter, nav Navigator) *Coordinator {
	return &Coordinator{
		ch:            ch,
		sel:           sel,
		prompt:        prompt,
		nav:           nav,
		PromptTimeout: DefaultPromptTimeout,
		pending:       make(map[string]bool),
	}
}

// SendInvite invites the selected partner to a call.
func (c *Coordinator) SendInvite(ctx context.Context) error {
	to := c.sel.Partner()
	if to == "" {
		return ErrNoTargetSelected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	inv := mq.Invite{FromUser: c.sel.Self(), ToUser: to}
	if err := c.ch.SendInvite(inv); err != nil {
		log.Warnf("invite to %s failed: %v", to, err)
		return err
	}
	log.Infof("invited %s", to)
	return nil
}

// HandleInvite prompts for an invitation addressed to the local user and
// opens the call view if it is accepted. It reports whether the view was
// opened. Other users' invitations, a decline, and an unanswered prompt
// leave everything as it was.
func (c *Coordinator) HandleInvite(ctx context.Context, inv mq.Invite) (bool, error) {
	self := c.sel.Self()
	if inv.ToUser != self || inv.FromUser == "" || inv.FromUser == self {
		log.Debugf("ignoring invite %s -> %s", inv.FromUser, inv.ToUser)
		return false, nil
	}

	c.mu.Lock()
	if c.pending[inv.FromUser] {
		c.mu.Unlock()
		log.Debugf("invite from %s already pending", inv.FromUser)
		return false, nil
	}
	c.pending[inv.FromUser] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, inv.FromUser)
		c.mu.Unlock()
	}()

	if c.PromptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.PromptTimeout)
		defer cancel()
	}
	ok, err := c.prompt.Confirm(ctx, inv.FromUser)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		log.Infof("invite from %s not answered", inv.FromUser)
		return false, nil
	case err != nil:
		return false, err
	case !ok:
		log.Infof("invite from %s declined", inv.FromUser)
		return false, nil
	}

	if err := c.nav.OpenCallView(inv.FromUser); err != nil {
		return false, err
	}
	log.Infof("invite from %s accepted", inv.FromUser)
	return true, nil
}

// Start handles invitations from the channel until Stop. Each prompt runs
// on its own goroutine so the channel's read loop is never held up.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, stop := context.WithCancel(context.Background())
	c.stop = stop
	c.cancel = c.ch.OnInvite(func(inv mq.Invite) {
		if ctx.Err() != nil {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.HandleInvite(ctx, inv); err != nil {
				log.Warnf("invite from %s: %v", inv.FromUser, err)
			}
		}()
	})
}

// Stop unsubscribes and waits for open prompts to be withdrawn.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, stop := c.cancel, c.stop
	c.cancel, c.stop = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	stop()
	c.wg.Wait()
}
