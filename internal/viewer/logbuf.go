package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one log line. Lines in go-log's plaintext layout
// (time, level, subsystem, caller, message separated by tabs) are split
// into their parts; anything else is kept whole in Msg.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	f := strings.Split(line, "\t")
	if len(f) < 4 {
		return e
	}
	if _, err := logging.LevelFromString(strings.ToLower(f[1])); err != nil {
		return e
	}
	e.Level, e.Subsystem = strings.ToLower(f[1]), f[2]
	rest := f[3:]
	if len(rest) > 1 && strings.Contains(rest[0], ".go:") {
		rest = rest[1:]
	}
	e.Msg = strings.Join(rest, " ")
	return e
}

// atLeast reports whether e is at min or more severe. Unparsed lines pass.
func (e LogEntry) atLeast(min logging.LogLevel) bool {
	if e.Level == "" {
		return true
	}
	lvl, err := logging.LevelFromString(e.Level)
	return err != nil || lvl >= min
}

// LogBuffer keeps the most recent log lines for /api/logs and tails them
// to /api/logs/stream subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Capture copies every subsystem's log output into b until ctx ends.
func (b *LogBuffer) Capture(ctx context.Context) {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		_ = pr.Close()
	}()
	go func() {
		_, _ = io.Copy(b, pr)
	}()
}

// Write splits p into lines; a trailing partial line waits for the rest.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// ServeLogsJSON serves GET /api/logs. ?level=warn keeps warnings and worse.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	entries := b.Snapshot()
	if q := r.URL.Query().Get("level"); q != "" {
		min, err := logging.LevelFromString(q)
		if err != nil {
			http.Error(w, "unknown level", http.StatusBadRequest)
			return
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.atLeast(min) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// ServeLogsSSE serves GET /api/logs/stream: new lines only, no backlog.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
