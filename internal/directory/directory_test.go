package directory

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/chat"
)

func newRelayStub(t *testing.T) (*httptest.Server, *[]map[string]string) {
	t.Helper()
	var posted []map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"u1","username":"alice","email":"a@x.org"},{"id":"u2","username":"bob"}]`))
	})
	mux.HandleFunc("GET /api/messages/{a}/{b}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]chat.Message{
			{ID: "m1", Sender: r.PathValue("a"), Receiver: r.PathValue("b"), Text: "first"},
			{ID: "m2", Sender: r.PathValue("b"), Receiver: r.PathValue("a"), Text: "second"},
		})
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		posted = append(posted, body)
		stored := maps.Clone(body)
		stored["id"] = "stored"
		json.NewEncoder(w).Encode(stored)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &posted
}

func TestClientRoundTrips(t *testing.T) {
	req := require.New(t)
	srv, posted := newRelayStub(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	entries, err := c.FetchDirectory(ctx)
	req.NoError(err)
	req.Equal([]Entry{
		{ID: "u1", Username: "alice", Email: "a@x.org"},
		{ID: "u2", Username: "bob"},
	}, entries)

	history, err := c.FetchHistory(ctx, "me", "u2")
	req.NoError(err)
	req.Len(history, 2)
	req.Equal("first", history[0].Text)

	stored, err := c.PostMessage(ctx, chat.Message{Sender: "me", Receiver: "u2", Text: "hi"})
	req.NoError(err)
	req.Equal("stored", stored.ID)
	req.Equal([]map[string]string{{"sender": "me", "receiver": "u2", "text": "hi"}}, *posted)
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchDirectory(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "fetch directory", te.Op)
}

type stubFetcher struct {
	entries []Entry
	err     error
}

func (s *stubFetcher) FetchDirectory(context.Context) ([]Entry, error) { return s.entries, s.err }

func TestDirectoryKeepsPriorListOnFailure(t *testing.T) {
	f := &stubFetcher{entries: []Entry{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}}}
	d := New(f, "me")

	got, err := d.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	f.entries, f.err = nil, errors.New("offline")
	got, err = d.Refresh(context.Background())
	require.Error(t, err)
	require.Len(t, got, 2)
}

func TestPresenceIsUnionAndTracksOnline(t *testing.T) {
	d := New(&stubFetcher{entries: []Entry{{ID: "u1", Username: "alice"}}}, "me")
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	var updates [][]Entry
	cancel := d.OnPresenceUpdate(func(all []Entry) { updates = append(updates, all) })

	d.ApplyPresence([]string{"u2", "me", "u2", ""})
	require.Len(t, updates, 1)
	ids := []string{}
	for _, e := range updates[0] {
		ids = append(ids, e.ID)
	}
	// self is hidden; u1 is kept even though it was not announced.
	require.ElementsMatch(t, []string{"u1", "u2"}, ids)
	require.True(t, d.Online("u2"))
	require.False(t, d.Online("u1"))

	d.ApplyPresence([]string{"u1"})
	require.True(t, d.Online("u1"))
	require.False(t, d.Online("u2"))
	_, known := d.Lookup("u2")
	require.True(t, known)

	cancel()
	d.ApplyPresence(nil)
	require.Len(t, updates, 2)
}
