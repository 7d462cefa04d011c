package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	_, _ = b.Write([]byte("first\r\nsec"))
	require.Len(t, b.Snapshot(), 1)
	_, _ = b.Write([]byte("ond\n\n   \nthird\n"))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "second", snap[0].Msg)
	require.Equal(t, "third", snap[1].Msg)

	require.Equal(t, "first", (<-ch).Msg)
	require.Equal(t, "second", (<-ch).Msg)
}

func TestLogBufferCapturesSubsystemLogs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewLogBuffer(50)
	b.Capture(ctx)

	logging.Logger("viewer-test").Error("captured line")
	var got LogEntry
	require.Eventually(t, func() bool {
		for _, e := range b.Snapshot() {
			if strings.Contains(e.Msg, "captured line") {
				got = e
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "error", got.Level)
	require.Equal(t, "viewer-test", got.Subsystem)
}

func TestParseLine(t *testing.T) {
	e := parseLine("2026-01-02T03:04:05.000Z\tWARN\tcall\tcall/manager.go:88\tring timeout\t{\"id\":\"c1\"}")
	require.Equal(t, "warn", e.Level)
	require.Equal(t, "call", e.Subsystem)
	require.Equal(t, `ring timeout {"id":"c1"}`, e.Msg)

	e = parseLine("plain text line")
	require.Empty(t, e.Level)
	require.Equal(t, "plain text line", e.Msg)

	e = parseLine("a\tNOTALEVEL\tb\tc")
	require.Empty(t, e.Level)
}

func TestViewerServesAPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("hello\n"))
	_, _ = logs.Write([]byte("t\tDEBUG\tmq\tnoise\n"))
	_, _ = logs.Write([]byte("t\tERROR\tmq\tboom\n"))

	v := New("127.0.0.1:0", routes.Deps{Self: "me", Logs: logs})
	require.NoError(t, v.Start(ctx))

	resp, err := http.Get(v.URL() + "/api/self")
	require.NoError(t, err)
	var self map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&self))
	resp.Body.Close()
	require.Equal(t, "me", self["id"])
	require.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	resp, err = http.Get(v.URL() + "/api/logs")
	require.NoError(t, err)
	var entries []LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 3)
	require.Equal(t, "hello", entries[0].Msg)

	resp, err = http.Get(v.URL() + "/api/logs?level=warn")
	require.NoError(t, err)
	entries = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 2)
	require.Equal(t, "boom", entries[1].Msg)
	require.Equal(t, "mq", entries[1].Subsystem)

	cancel()
	require.NoError(t, v.Wait())
}
