package routes

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownPrompt is returned when answering a prompt that is not open.
var ErrUnknownPrompt = errors.New("no such prompt")

// Event types on /api/events.
const (
	EventChatMessage  = "chat"
	EventPresence     = "presence"
	EventInvite       = "invite"
	EventInviteClosed = "invite-closed"
	EventOpenCallView = "open-call-view"
)

// UIEvent is one message on the /api/events stream.
type UIEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// InvitePrompt asks the UI to accept or decline an invitation.
type InvitePrompt struct {
	ID   string `json:"id"`
	From string `json:"from"`
}

// Bridge carries app events to the UI's event stream and takes the UI's
// answers back. It implements the invite coordinator's Prompter and
// Navigator.
type Bridge struct {
	mu      sync.Mutex
	subs    map[chan UIEvent]struct{}
	prompts map[string]chan bool
}

func NewBridge() *Bridge {
	return &Bridge{
		subs:    make(map[chan UIEvent]struct{}),
		prompts: make(map[string]chan bool),
	}
}

// Publish sends an event to every open stream. Slow streams miss events.
func (b *Bridge) Publish(typ string, data any) {
	ev := UIEvent{Type: typ, Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bridge) Subscribe() (<-chan UIEvent, func()) {
	ch := make(chan UIEvent, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Confirm shows an invite prompt and waits for Respond or ctx.
func (b *Bridge) Confirm(ctx context.Context, from string) (bool, error) {
	id := uuid.NewString()
	answer := make(chan bool, 1)
	b.mu.Lock()
	b.prompts[id] = answer
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.prompts, id)
		b.mu.Unlock()
		b.Publish(EventInviteClosed, InvitePrompt{ID: id, From: from})
	}()

	b.Publish(EventInvite, InvitePrompt{ID: id, From: from})
	select {
	case ok := <-answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Respond answers the open prompt id.
func (b *Bridge) Respond(id string, accept bool) error {
	b.mu.Lock()
	answer, ok := b.prompts[id]
	if ok {
		delete(b.prompts, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownPrompt
	}
	answer <- accept
	return nil
}

// OpenCallView tells the UI to show the call view for peer.
func (b *Bridge) OpenCallView(peer string) error {
	b.Publish(EventOpenCallView, map[string]string{"peer": peer})
	return nil
}
