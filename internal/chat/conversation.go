// Package chat keeps the state of the visible conversation: which directory
// entry is the active partner and the messages shown for it.
package chat

import (
	"context"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("chat")

// DefaultBufferSize is the default number of messages kept for the active
// conversation.
const DefaultBufferSize = 500

// Channel delivers messages to the relay. Send is fire-and-forget.
type Channel interface {
	Send(msg Message) error
}

// Store loads and persists messages over the relay's REST API.
type Store interface {
	FetchHistory(ctx context.Context, a, b string) ([]Message, error)
	PostMessage(ctx context.Context, msg Message) (Message, error)
}

// Conversation is the visible chat with one partner at a time.
type Conversation struct {
	self  string
	ch    Channel
	store Store

	mu        sync.RWMutex
	partner   string
	gen       uint64
	messages  *util.RingBuffer[Message]
	listeners map[chan Message]struct{}

	posts sync.WaitGroup
}

// NewConversation creates a conversation view for the local user self.
func NewConversation(self string, ch Channel, store Store, bufferSize int) *Conversation {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Conversation{
		self:      self,
		ch:        ch,
		store:     store,
		messages:  util.NewRingBuffer[Message](bufferSize),
		listeners: make(map[chan Message]struct{}),
	}
}

// Self returns the local identity.
func (c *Conversation) Self() string { return c.self }

// Partner returns the active conversation partner, or "" when none is selected.
func (c *Conversation) Partner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partner
}

// Select makes partner the active conversation and loads its history.
// A history failure is returned but leaves the partner selected with
// whatever arrived meanwhile.
func (c *Conversation) Select(ctx context.Context, partner string) error {
	partner, err := util.ValidateIdentity(partner)
	if err != nil {
		return err
	}
	if partner == c.self {
		return ErrSelfTarget
	}

	c.mu.Lock()
	c.partner = partner
	c.gen++
	gen := c.gen
	c.messages.Replace(nil)
	c.mu.Unlock()

	history, err := c.store.FetchHistory(ctx, c.self, partner)
	if err != nil {
		log.Warnf("history with %s unavailable: %v", partner, err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Another Select won the race.
		return nil
	}
	seen := make(map[string]bool, len(history))
	merged := make([]Message, 0, len(history))
	for _, m := range history {
		if !m.Involves(partner) {
			continue
		}
		if m.ID != "" {
			seen[m.ID] = true
		}
		merged = append(merged, m)
	}
	// Keep anything that arrived while the history request was in flight.
	for _, m := range c.messages.Snapshot() {
		if m.ID == "" || !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	c.messages.Replace(merged)
	log.Debugf("loaded %d message(s) with %s", len(history), partner)
	return nil
}

// Send appends text to the visible log immediately, emits it over the
// messaging channel and persists it in the background. Neither a channel
// nor a persistence failure removes the appended message.
func (c *Conversation) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	partner := c.partner
	if partner == "" {
		c.mu.Unlock()
		return Message{}, ErrNoTargetSelected
	}
	if text == "" {
		c.mu.Unlock()
		return Message{}, ErrEmptyMessage
	}
	msg := NewMessage(c.self, partner, text)
	c.appendLocked(msg)
	c.mu.Unlock()

	c.posts.Add(1)
	go func() {
		defer c.posts.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), util.DefaultFetchTimeout)
		defer cancel()
		if _, err := c.store.PostMessage(pctx, msg); err != nil {
			log.Errorf("persist message %s to %s failed: %v", util.Short(msg.ID), partner, err)
		}
	}()

	if err := c.ch.Send(msg); err != nil {
		log.Warnf("send message to %s failed: %v", partner, err)
		return msg, err
	}
	return msg, nil
}

// Receive appends an inbound message if it belongs to the active
// conversation. It reports whether the message was appended.
func (c *Conversation) Receive(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !msg.Involves(c.partner) {
		return false
	}
	if msg.ID != "" {
		for _, m := range c.messages.Snapshot() {
			if m.ID == msg.ID {
				return false
			}
		}
	}
	c.appendLocked(msg)
	return true
}

// Messages returns the visible log, oldest first.
func (c *Conversation) Messages() []Message {
	return c.messages.Snapshot()
}

// Subscribe returns a channel that receives each appended message.
func (c *Conversation) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 32)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Wait blocks until background persistence requests have finished.
func (c *Conversation) Wait() {
	c.posts.Wait()
}

// appendLocked pushes msg and notifies listeners. c.mu must be held.
func (c *Conversation) appendLocked(msg Message) {
	c.messages.Push(msg)
	for ch := range c.listeners {
		select {
		case ch <- msg:
		default:
			log.Debugf("listener full, dropping notification for %s", util.Short(msg.ID))
		}
	}
}
