package storage

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/proto"
)

// UpsertUser stores u, assigning a fresh id when u.ID is empty, and returns
// the stored record.
func (d *DB) UpsertUser(u proto.User) (proto.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO users (id, username, email)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email    = excluded.email`,
		u.ID, u.Username, u.Email,
	)
	if err != nil {
		return proto.User{}, err
	}
	return u, nil
}

// GetUser returns the user with id, or false if unknown.
func (d *DB) GetUser(id string) (proto.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var u proto.User
	err := d.db.QueryRow(`SELECT id, username, email FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.User{}, false, nil
	}
	if err != nil {
		return proto.User{}, false, err
	}
	return u, true, nil
}

// ListUsers returns all users ordered by username.
func (d *DB) ListUsers() ([]proto.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT id, username, email FROM users ORDER BY username, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []proto.User{}
	for rows.Next() {
		var u proto.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
