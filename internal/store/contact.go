package store

import (
	"database/sql"
	"time"
)

const upsertContactSQL = `
	INSERT INTO contacts (user_id, name, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		updated_at = excluded.updated_at`

// UpsertContact records the display name of a user. An empty name never
// overwrites a known one.
func (db *DB) UpsertContact(c *Contact) error {
	_, err := db.Exec(upsertContactSQL, c.UserID, c.Name, time.Now().UnixMilli())
	return err
}

// GetContact returns a contact by user id, or nil if unknown.
func (db *DB) GetContact(userID string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT user_id, name FROM contacts WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConversationCount returns the number of mirrored conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the number of mirrored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
