package directory

import (
	"context"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
)

var log = logging.Logger("directory")

// Fetcher is the directory query used by Refresh.
type Fetcher interface {
	FetchDirectory(ctx context.Context) ([]Entry, error)
}

// Directory is the local list of known users. It only grows: presence
// updates add identities and mark the announced set online, but never drop
// an entry that was seen before.
type Directory struct {
	fetch Fetcher
	self  string

	mu        sync.RWMutex
	entries   map[string]Entry
	online    map[string]bool
	listeners map[int]func([]Entry)
	nextID    int
}

// New returns an empty directory for self, filled by Refresh and presence.
func New(fetch Fetcher, self string) *Directory {
	return &Directory{
		fetch:     fetch,
		self:      self,
		entries:   make(map[string]Entry),
		online:    make(map[string]bool),
		listeners: make(map[int]func([]Entry)),
	}
}

// Refresh queries the relay and merges the result. On failure the prior
// list is kept and the error is returned for the UI to show as a warning.
func (d *Directory) Refresh(ctx context.Context) ([]Entry, error) {
	fetched, err := d.fetch.FetchDirectory(ctx)
	if err != nil {
		log.Warnf("directory refresh failed, keeping %d known user(s): %v", d.Len(), err)
		return d.Entries(), err
	}

	d.mu.Lock()
	for _, e := range fetched {
		if e.ID == "" {
			continue
		}
		prev := d.entries[e.ID]
		e.Online = prev.Online
		d.entries[e.ID] = e
	}
	d.mu.Unlock()

	all := d.Entries()
	d.notify(all)
	return all, nil
}

// ApplyPresence merges an updateUsers announcement: every id becomes known
// and the announced set is recorded as the current online set.
func (d *Directory) ApplyPresence(ids []string) {
	ids = lo.Uniq(lo.Compact(ids))

	d.mu.Lock()
	d.online = lo.SliceToMap(ids, func(id string) (string, bool) { return id, true })
	for _, id := range ids {
		if _, ok := d.entries[id]; !ok {
			d.entries[id] = Entry{ID: id}
		}
	}
	for id, e := range d.entries {
		e.Online = d.online[id]
		d.entries[id] = e
	}
	d.mu.Unlock()

	d.notify(d.Entries())
}

// OnPresenceUpdate registers fn to receive the full list after every change.
func (d *Directory) OnPresenceUpdate(fn func([]Entry)) (cancel func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Entries returns every known user except self, sorted by display name.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	out := lo.Filter(lo.Values(d.entries), func(e Entry, _ int) bool { return e.ID != d.self })
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName() != out[j].DisplayName() {
			return out[i].DisplayName() < out[j].DisplayName()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns the entry for id.
func (d *Directory) Lookup(id string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return e, ok
}

// Online reports whether id was in the latest presence announcement.
func (d *Directory) Online(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online[id]
}

// Len counts every known user.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Directory) notify(all []Entry) {
	d.mu.RLock()
	fns := lo.Values(d.listeners)
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(all)
	}
}
