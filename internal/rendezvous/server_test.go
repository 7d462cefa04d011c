package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

func testConfig() config.Rendezvous {
	cfg := config.Default().Rendezvous
	cfg.Port = 0
	return cfg
}

func newTestRelay(t *testing.T, cfg config.Rendezvous) (*Server, *httptest.Server) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(cfg, db)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.chat.closeAll()
		s.signal.closeAll()
		ts.Close()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUsersRegisterAndList(t *testing.T) {
	req := require.New(t)
	_, ts := newTestRelay(t, testConfig())

	resp := postJSON(t, ts.URL+"/api/users", proto.User{ID: "u1", Username: "alice", Email: "a@example.org"})
	req.Equal(http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/users", proto.User{Username: "bob"})
	req.Equal(http.StatusCreated, resp.StatusCode)
	var bob proto.User
	req.NoError(json.NewDecoder(resp.Body).Decode(&bob))
	req.NotEmpty(bob.ID)

	resp = postJSON(t, ts.URL+"/api/users", proto.User{Username: "eve", Email: "not-an-email"})
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(ts.URL + "/api/users")
	req.NoError(err)
	defer get.Body.Close()
	var users []proto.User
	req.NoError(json.NewDecoder(get.Body).Decode(&users))
	req.Len(users, 2)
	req.Equal("alice", users[0].Username)
	req.Equal("bob", users[1].Username)
}

func TestMessagesPostAndHistory(t *testing.T) {
	req := require.New(t)
	_, ts := newTestRelay(t, testConfig())

	for _, m := range []chat.Message{
		{Sender: "u1", Receiver: "u2", Text: "hi"},
		{Sender: "u2", Receiver: "u1", Text: "hello"},
		{Sender: "u1", Receiver: "u3", Text: "elsewhere"},
	} {
		resp := postJSON(t, ts.URL+"/api/messages", m)
		req.Equal(http.StatusCreated, resp.StatusCode)
	}

	resp := postJSON(t, ts.URL+"/api/messages", chat.Message{Sender: "u1", Receiver: "u2", Text: "   "})
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(ts.URL + "/api/messages/u2/u1")
	req.NoError(err)
	defer get.Body.Close()
	var history []chat.Message
	req.NoError(json.NewDecoder(get.Body).Decode(&history))
	req.Len(history, 2)
	req.Equal("hi", history[0].Text)
	req.Equal("hello", history[1].Text)
	req.NotEmpty(history[0].ID)
}

func TestHealthzAndMetrics(t *testing.T) {
	_, ts := newTestRelay(t, testConfig())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "goopcall_relay_http_requests_total")
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) proto.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env proto.Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

// readUntil skips frames until one with event arrives.
func readUntil(t *testing.T, c *websocket.Conn, event string) proto.Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, c)
		if env.Event == event {
			return env
		}
	}
}

func join(t *testing.T, c *websocket.Conn, id string) {
	t.Helper()
	env, err := proto.NewEnvelope(proto.EventJoinChat, id)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(env))
}

func TestChatHubPresenceAndRouting(t *testing.T) {
	req := require.New(t)
	_, ts := newTestRelay(t, testConfig())

	alice := dial(t, ts, proto.ChatPath)
	join(t, alice, "alice")
	var ids []string
	req.NoError(json.Unmarshal(readUntil(t, alice, proto.EventUpdateUsers).Data, &ids))
	req.Equal([]string{"alice"}, ids)

	bob := dial(t, ts, proto.ChatPath)
	join(t, bob, "bob")
	req.NoError(json.Unmarshal(readUntil(t, alice, proto.EventUpdateUsers).Data, &ids))
	req.Equal([]string{"alice", "bob"}, ids)
	readUntil(t, bob, proto.EventUpdateUsers)

	// Sender is stamped by the relay, not trusted from the frame.
	env, err := proto.NewEnvelope(proto.EventSendMessage, chat.Message{ID: "m1", Sender: "mallory", Receiver: "bob", Text: "hey"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(env))

	got := readUntil(t, bob, proto.EventReceiveMessage)
	var msg chat.Message
	req.NoError(json.Unmarshal(got.Data, &msg))
	req.Equal("alice", msg.Sender)
	req.Equal("m1", msg.ID)

	env, err = proto.NewEnvelope(proto.EventInvitePlayer, proto.InviteMsg{FromUser: "alice", ToUser: "bob"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(env))
	var inv proto.InviteMsg
	req.NoError(json.Unmarshal(readUntil(t, bob, proto.EventInvitePlayer).Data, &inv))
	req.Equal(proto.InviteMsg{FromUser: "alice", ToUser: "bob"}, inv)

	bob.Close()
	req.NoError(json.Unmarshal(readUntil(t, alice, proto.EventUpdateUsers).Data, &ids))
	req.Equal([]string{"alice"}, ids)
}

func readSignal(t *testing.T, c *websocket.Conn) proto.SignalMsg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg proto.SignalMsg
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestSignalHubAssignsIdentityAndRoutes(t *testing.T) {
	req := require.New(t)
	_, ts := newTestRelay(t, testConfig())

	a := dial(t, ts, proto.SignalPath)
	b := dial(t, ts, proto.SignalPath)
	openA, openB := readSignal(t, a), readSignal(t, b)
	req.Equal(proto.SignalOpen, openA.Type)
	req.NotEmpty(openA.ID)
	req.NotEqual(openA.ID, openB.ID)

	req.NoError(a.WriteJSON(proto.SignalMsg{
		Type:   proto.SignalOffer,
		Src:    "spoofed",
		Dst:    openB.ID,
		CallID: "c1",
		SDP:    &proto.SDP{Type: "offer", SDP: "v=0"},
	}))
	got := readSignal(t, b)
	req.Equal(proto.SignalOffer, got.Type)
	req.Equal(openA.ID, got.Src)
	req.Equal("c1", got.CallID)

	req.NoError(a.WriteJSON(proto.SignalMsg{Type: proto.SignalClose, Dst: "nobody", CallID: "c2"}))
	errMsg := readSignal(t, a)
	req.Equal(proto.SignalError, errMsg.Type)
	req.Equal(proto.CodeUnavailableID, errMsg.Code)
	req.Equal("c2", errMsg.CallID)
	req.Equal("nobody", errMsg.Dst)

	req.NoError(a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer"}`)))
	errMsg = readSignal(t, a)
	req.Equal(proto.CodeInvalid, errMsg.Code)
}

func TestSignalHubRateLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessagesPerSec = 1
	_, ts := newTestRelay(t, cfg)

	a := dial(t, ts, proto.SignalPath)
	open := readSignal(t, a)

	frame := proto.SignalMsg{Type: proto.SignalClose, Dst: open.ID, CallID: "c"}
	require.NoError(t, a.WriteJSON(frame))
	require.NoError(t, a.WriteJSON(frame))

	var codes []string
	for range 2 {
		msg := readSignal(t, a)
		codes = append(codes, msg.Code)
	}
	// First frame loops back to the sender itself, the second is throttled.
	require.Equal(t, []string{"", proto.CodeRateLimited}, codes)
}

func TestStartServesAndStopsOnCancel(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := New(testConfig(), db)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.NotContains(t, s.URL(), ":0")

	resp, err := http.Get(s.URL() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	require.NoError(t, s.Wait())
}
