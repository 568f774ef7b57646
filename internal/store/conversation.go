package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation row. The unread
// count is only written on insert; SetUnreadCount owns it afterwards.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, last_message, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			last_message = excluded.last_message,
			last_message_at = MAX(excluded.last_message_at, conversations.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.LastMessage, c.LastMessageAt, c.UnreadCount, now)
	return err
}

// SetUnreadCount records the unread counter of a conversation, creating
// the row if needed.
func (db *DB) SetUnreadCount(id string, n int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, unread_count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		id, n, now)
	return err
}

// ListConversations returns conversations by last activity, newest first.
// Unnamed conversations fall back to the sender name of their newest
// message, then to the id.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.id,
			COALESCE(NULLIF(c.name,''), (
				SELECT NULLIF(m.sender_name,'') FROM messages m
				WHERE m.conversation_id = c.id AND m.from_me = 0
				ORDER BY m.timestamp DESC LIMIT 1
			), c.id) AS display_name,
			c.last_message, c.last_message_at, c.unread_count
		FROM conversations c
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, name, last_message, last_message_at, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
