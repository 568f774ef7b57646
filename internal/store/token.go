package store

import (
	"database/sql"
	"time"
)

// SaveToken stores the bearer token, replacing any previous one.
func (db *DB) SaveToken(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO auth_token (id, access_token, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			updated_at = excluded.updated_at`,
		token, now)
	return err
}

// LoadToken returns the stored token, or "" when none is stored.
func (db *DB) LoadToken() (string, error) {
	var token string
	err := db.QueryRow(`SELECT access_token FROM auth_token WHERE id = 1`).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return token, err
}

// ClearToken removes the stored token.
func (db *DB) ClearToken() error {
	_, err := db.Exec(`DELETE FROM auth_token`)
	return err
}
