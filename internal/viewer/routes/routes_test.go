package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/directory"
	"github.com/petervdpas/goopcall/internal/invite"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fetcher struct {
	entries []directory.Entry
	err     error
}

func (f *fetcher) FetchDirectory(context.Context) ([]directory.Entry, error) {
	return f.entries, f.err
}

type relay struct {
	mu      sync.Mutex
	history []chat.Message
	sent    []chat.Message
	invites []mq.Invite
	onInv   func(mq.Invite)
}

func (r *relay) Send(msg chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *relay) FetchHistory(ctx context.Context, a, b string) ([]chat.Message, error) {
	return r.history, nil
}

func (r *relay) PostMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	return msg, nil
}

func (r *relay) SendInvite(inv mq.Invite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invites = append(r.invites, inv)
	return nil
}

func (r *relay) OnInvite(fn func(mq.Invite)) func() {
	r.onInv = fn
	return func() {}
}

type stream struct{}

func (stream) ID() string                  { return "local" }
func (stream) Tracks() []webrtc.TrackLocal { return nil }
func (stream) Stop()                       {}

type capture struct{}

func (capture) Acquire(context.Context, call.Constraints) (call.LocalStream, error) {
	return stream{}, nil
}

type conn struct {
	remote string
	events chan signaling.ConnEvent
	once   sync.Once
}

func (c *conn) ID() string                                         { return "call-1" }
func (c *conn) Remote() string                                     { return c.remote }
func (c *conn) Outbound() bool                                     { return true }
func (c *conn) Answer(context.Context, signaling.LocalMedia) error { return nil }
func (c *conn) Reject(string) error                                { return c.Close() }
func (c *conn) SetSending(webrtc.RTPCodecType, bool) error         { return nil }
func (c *conn) Events() <-chan signaling.ConnEvent                 { return c.events }

func (c *conn) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

type signaler struct{ incoming chan signaling.Conn }

func (s *signaler) Identity() string                { return "sig-me" }
func (s *signaler) Incoming() <-chan signaling.Conn { return s.incoming }

func (s *signaler) Dial(ctx context.Context, remote string, local signaling.LocalMedia) (signaling.Conn, error) {
	return &conn{remote: remote, events: make(chan signaling.ConnEvent, 4)}, nil
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	url    string
	relay  *relay
	fetch  *fetcher
	bridge *Bridge
	invite *invite.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		relay:  &relay{},
		fetch:  &fetcher{entries: []directory.Entry{{ID: "alice", Username: "Alice"}, {ID: "me"}}},
		bridge: NewBridge(),
	}
	conv := chat.NewConversation("me", h.relay, h.relay, 0)
	t.Cleanup(conv.Wait)
	calls := call.New(&signaler{incoming: make(chan signaling.Conn)}, capture{}, call.Options{})
	t.Cleanup(calls.Close)
	h.invite = invite.New(h.relay, conv, h.bridge, h.bridge)

	mux := http.NewServeMux()
	Register(mux, Deps{
		Self:         "me",
		Directory:    directory.New(h.fetch, "me"),
		Conversation: conv,
		Calls:        calls,
		Invites:      h.invite,
		Preview:      media.NewPreview(),
		Bridge:       h.bridge,
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	h.url = ts.URL
	return h
}

func (h *harness) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.url+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp.Body)
}

func (h *harness) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(h.url + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func decode(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	out := map[string]any{}
	if json.Valid(b) {
		_ = json.Unmarshal(b, &out)
	}
	return out
}

// sse reads one stream and hands out events by name.
type sse struct {
	events chan [2]string
}

func openSSE(t *testing.T, url string) *sse {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	s := &sse{events: make(chan [2]string, 32)}
	go func() {
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		var name string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				s.events <- [2]string{name, strings.TrimPrefix(line, "data: ")}
			}
		}
	}()
	return s
}

func (s *sse) next(t *testing.T, name string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev[0] == name {
				return ev[1]
			}
		case <-deadline:
			t.Fatalf("no %q event", name)
		}
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestDirectoryRoutes(t *testing.T) {
	h := newHarness(t)

	code, body := h.get(t, "/api/directory")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[]`, string(body))

	code, resp := h.post(t, "/api/directory/refresh", "")
	require.Equal(t, http.StatusOK, code)
	entries := resp["entries"].([]any)
	require.Len(t, entries, 1)
	require.Equal(t, "alice", entries[0].(map[string]any)["id"])

	h.fetch.err = &directory.TransportError{Op: "list users", Err: errors.New("down")}
	code, resp = h.post(t, "/api/directory/refresh", "{}")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp["entries"], 1)
	require.Contains(t, resp["warning"], "down")
}

func TestChatRoutes(t *testing.T) {
	h := newHarness(t)
	h.relay.history = []chat.Message{chat.NewMessage("alice", "me", "hello")}

	code, _ := h.post(t, "/api/chat/send", `{"text":"hi"}`)
	require.Equal(t, http.StatusConflict, code)

	code, _ = h.post(t, "/api/chat/select", `{}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, resp := h.post(t, "/api/chat/select", `{"partner":"alice"}`)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp["messages"], 1)

	code, _ = h.post(t, "/api/chat/send", `{"text":"   "}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, resp = h.post(t, "/api/chat/send", `{"text":"hi alice"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "hi alice", resp["message"].(map[string]any)["text"])

	_, body := h.get(t, "/api/chat/messages")
	var view struct {
		Partner  string         `json:"partner"`
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	require.Equal(t, "alice", view.Partner)
	require.Len(t, view.Messages, 2)
	require.Equal(t, "hello", view.Messages[0].Text)
	require.Equal(t, "hi alice", view.Messages[1].Text)

	code, _ = h.post(t, "/api/chat/send", `{"text":"x","extra":1}`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestInviteRoutes(t *testing.T) {
	h := newHarness(t)

	code, _ := h.post(t, "/api/invite", "")
	require.Equal(t, http.StatusConflict, code)

	code, _ = h.post(t, "/api/chat/select", `{"partner":"alice"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.post(t, "/api/invite", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []mq.Invite{{FromUser: "me", ToUser: "alice"}}, h.relay.invites)

	code, _ = h.post(t, "/api/invite/respond", `{"id":"nope","accept":true}`)
	require.Equal(t, http.StatusNotFound, code)
}

func TestInvitePromptRoundTrip(t *testing.T) {
	h := newHarness(t)
	events := openSSE(t, h.url+"/api/events")
	events.next(t, "connected")

	opened := make(chan bool, 1)
	go func() {
		ok, _ := h.invite.HandleInvite(context.Background(), mq.Invite{FromUser: "alice", ToUser: "me"})
		opened <- ok
	}()

	var prompt InvitePrompt
	require.NoError(t, json.Unmarshal([]byte(events.next(t, EventInvite)), &prompt))
	require.Equal(t, "alice", prompt.From)

	code, _ := h.post(t, "/api/invite/respond", `{"id":"`+prompt.ID+`","accept":true}`)
	require.Equal(t, http.StatusOK, code)
	require.True(t, <-opened)
	require.JSONEq(t, `{"peer":"alice"}`, events.next(t, EventOpenCallView))
}

func TestCallRoutes(t *testing.T) {
	h := newHarness(t)

	code, body := h.get(t, "/api/call/state")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `"state":"idle"`)

	code, _ = h.post(t, "/api/call/toggle-audio", "")
	require.Equal(t, http.StatusConflict, code)
	code, _ = h.post(t, "/api/call/accept", "")
	require.Equal(t, http.StatusConflict, code)
	code, _ = h.post(t, "/api/call/start", `{}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, resp := h.post(t, "/api/call/start", `{"remote":"peer-x"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "dialing", resp["state"])
	require.Equal(t, "peer-x", resp["remote_identity"])

	code, _ = h.post(t, "/api/call/start", `{"remote":"peer-y"}`)
	require.Equal(t, http.StatusConflict, code)

	code, resp = h.post(t, "/api/call/toggle-video", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["disabled"])

	code, _ = h.get(t, "/api/call/media")
	require.Equal(t, http.StatusNotFound, code)

	code, resp = h.post(t, "/api/call/hangup", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "idle", resp["state"])
}

func TestCallEventsStream(t *testing.T) {
	h := newHarness(t)
	events := openSSE(t, h.url+"/api/call/events")
	require.Contains(t, events.next(t, "state"), `"state":"idle"`)

	code, _ := h.post(t, "/api/call/start", `{"remote":"peer-x"}`)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, events.next(t, "state"), `"state":"dialing"`)
}
