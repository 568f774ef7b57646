package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the per-profile chatlink.db: the stored bearer token and the local
// mirror of conversations, contacts and messages.
type DB struct {
	*sql.DB
}

// Open opens the profile store at path. WAL keeps control API reads from
// blocking behind the session's writes.
func Open(path string) (*DB, error) {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	db, err := sql.Open("sqlite3", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open chatlink store %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chatlink store %s unreachable: %w", path, err)
	}
	return &DB{db}, nil
}
