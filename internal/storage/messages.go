package storage

import (
	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/proto"
)

// DefaultHistoryLimit caps how many messages Conversation returns.
const DefaultHistoryLimit = 500

// InsertMessage stores m and returns the stored copy. A missing id or
// timestamp is filled in. Re-inserting an existing id is a no-op that
// returns the original.
func (d *DB) InsertMessage(m chat.Message) (chat.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = proto.NowMillis()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`
		INSERT INTO messages (id, sender, receiver, text, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Sender, m.Receiver, m.Text, m.Timestamp,
	); err != nil {
		return chat.Message{}, err
	}

	var out chat.Message
	err := d.db.QueryRow(`SELECT id, sender, receiver, text, ts FROM messages WHERE id = ?`, m.ID).
		Scan(&out.ID, &out.Sender, &out.Receiver, &out.Text, &out.Timestamp)
	return out, err
}

// Conversation returns the newest limit messages exchanged between a and b
// in either direction, oldest first.
func (d *DB) Conversation(a, b string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, sender, receiver, text, ts FROM (
			SELECT seq, id, sender, receiver, text, ts FROM messages
			WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`,
		a, b, b, a, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
