package mq

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/rendezvous"
	"github.com/petervdpas/goopcall/internal/storage"
)

func newRelay(t *testing.T) string {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ts := httptest.NewServer(rendezvous.New(config.Default().Rendezvous, db).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func connect(t *testing.T, relay, id string) *Channel {
	t.Helper()
	c, err := New(relay)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), id))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

// pair connects alice and bob and returns once the relay lists both.
func pair(t *testing.T, relay string) (alice, bob *Channel) {
	t.Helper()
	alice = connect(t, relay, "alice")
	users := make(chan []string, 8)
	cancel := alice.OnUsers(func(ids []string) { users <- ids })
	defer cancel()

	bob = connect(t, relay, "bob")
	for {
		if ids := waitFor(t, users); len(ids) == 2 {
			return alice, bob
		}
	}
}

func TestSendBeforeConnectIsTransportError(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	require.NoError(t, err)

	err = c.Send(chat.NewMessage("a", "b", "hi"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectIsIdempotent(t *testing.T) {
	relay := newRelay(t)
	c := connect(t, relay, "alice")

	require.NoError(t, c.Connect(context.Background(), "alice"))
	require.Error(t, c.Connect(context.Background(), "bob"))
	require.Equal(t, "alice", c.Identity())
	require.True(t, c.Connected())
}

func TestMessagesInvitesAndPresence(t *testing.T) {
	req := require.New(t)
	relay := newRelay(t)

	alice, bob := pair(t, relay)
	msgs := make(chan chat.Message, 8)
	invites := make(chan Invite, 8)
	bob.OnMessage(func(m chat.Message) { msgs <- m })
	bob.OnInvite(func(i Invite) { invites <- i })

	sent := chat.NewMessage("alice", "bob", "hello")
	req.NoError(alice.Send(sent))
	got := waitFor(t, msgs)
	req.Equal(sent.ID, got.ID)
	req.Equal("hello", got.Text)

	req.NoError(alice.SendInvite(Invite{FromUser: "alice", ToUser: "bob"}))
	req.Equal(Invite{FromUser: "alice", ToUser: "bob"}, waitFor(t, invites))
}

func TestDisconnectIsIdempotentAndDropsHandlers(t *testing.T) {
	relay := newRelay(t)
	c := connect(t, relay, "alice")

	called := false
	c.OnMessage(func(chat.Message) { called = true })

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	require.False(t, c.Connected())
	require.Empty(t, c.onMessage.snapshot())
	require.False(t, called)

	err := c.Send(chat.NewMessage("alice", "bob", "late"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestCancelledHandlerStopsReceiving(t *testing.T) {
	relay := newRelay(t)
	alice, bob := pair(t, relay)

	first := make(chan chat.Message, 4)
	second := make(chan chat.Message, 4)
	cancel := bob.OnMessage(func(m chat.Message) { first <- m })
	bob.OnMessage(func(m chat.Message) { second <- m })
	cancel()

	require.NoError(t, alice.Send(chat.NewMessage("alice", "bob", "one")))
	require.Equal(t, "one", waitFor(t, second).Text)
	require.Empty(t, first)
}

func TestHandlerCancelForgetsRegistration(t *testing.T) {
	var h handlerSet[string]
	var got []string
	for i := 0; i < 100; i++ {
		cancel := h.add(func(string) {})
		cancel()
		cancel()
	}
	keep := h.add(func(s string) { got = append(got, "a:"+s) })
	drop := h.add(func(string) { t.Fatal("cancelled handler called") })
	h.add(func(s string) { got = append(got, "b:"+s) })
	drop()

	h.emit("x")
	require.Equal(t, []string{"a:x", "b:x"}, got)
	require.Len(t, h.orders, 2)
	require.Len(t, h.byID, 2)
	keep()
	require.Len(t, h.orders, 1)
}
