package store

import (
	"database/sql"
	"fmt"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, message_type, media_url, from_me, status, confirmed, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
		sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE messages.sender_name END,
		body = excluded.body,
		media_url = excluded.media_url,
		status = excluded.status,
		confirmed = MAX(excluded.confirmed, messages.confirmed)`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m *Message, now int64) error {
	if _, err := ex.Exec(upsertMessageSQL,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.MessageType, m.MediaURL,
		m.FromMe, m.Status, m.Confirmed, m.Timestamp, now); err != nil {
		return err
	}
	if m.SenderID != "" && m.SenderName != "" {
		if _, err := ex.Exec(upsertContactSQL, m.SenderID, m.SenderName, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", m.SenderID, err)
		}
	}
	return nil
}

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id) and remembers the sender's name.
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db, m, time.Now().UnixMilli())
}

// UpsertMessages upserts a batch in a single transaction.
func (db *DB) UpsertMessages(msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		if err := upsertMessage(tx, &msgs[i], now); err != nil {
			return fmt.Errorf("upsert message %q: %w", msgs[i].MsgID, err)
		}
	}
	return tx.Commit()
}

// AdoptMessageID renames a local placeholder to its server id. If the
// server row was already mirrored (e.g. by a history refresh) the
// placeholder is dropped instead.
func (db *DB) AdoptMessageID(conversationID, localID, serverID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, serverID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		_, err = tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, localID)
	} else {
		_, err = tx.Exec(`UPDATE messages SET msg_id = ?, confirmed = 1 WHERE conversation_id = ? AND msg_id = ?`, serverID, conversationID, localID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first. Sender names fall back to the contacts
// table.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT m.id, m.conversation_id, m.msg_id, m.sender_id,
			COALESCE(NULLIF(m.sender_name,''), NULLIF(ct.name,''), '') AS sender_name,
			m.body, m.message_type, m.media_url, m.from_me, m.status, m.confirmed, m.timestamp
		FROM messages m
		LEFT JOIN contacts ct ON ct.user_id = m.sender_id
		WHERE m.conversation_id = ? AND m.timestamp < ?
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName,
			&m.Body, &m.MessageType, &m.MediaURL, &m.FromMe, &m.Status, &m.Confirmed, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
