package store

import (
	"time"

	"github.com/matheus3301/chatlink/internal/model"
)

// Conversation is a mirrored conversation-list row.
type Conversation struct {
	ID            string
	Name          string
	LastMessage   string
	LastMessageAt int64 // unix millis
	UnreadCount   int
}

// Contact maps a user id to the display name last seen for it.
type Contact struct {
	UserID string
	Name   string
}

// Message is a mirrored chat message. MsgID is the server id once
// Confirmed, the local placeholder before.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	MessageType    string
	MediaURL       string
	FromMe         bool
	Status         string
	Confirmed      bool
	Timestamp      int64 // unix millis
}

// ConversationFromSummary converts a list row for storage.
func ConversationFromSummary(s model.ConversationSummary) Conversation {
	return Conversation{
		ID:            s.ID,
		Name:          s.Name,
		LastMessage:   s.LastMessage,
		LastMessageAt: millis(s.LastMessageAt),
		UnreadCount:   s.UnreadCount,
	}
}

// Summary converts the row back to the model type.
func (c Conversation) Summary() model.ConversationSummary {
	return model.ConversationSummary{
		ID:            c.ID,
		Name:          c.Name,
		LastMessage:   c.LastMessage,
		LastMessageAt: fromMillis(c.LastMessageAt),
		UnreadCount:   c.UnreadCount,
	}
}

// MessageFromChat converts a chat message for storage. selfID marks the
// local user's messages.
func MessageFromChat(msg model.ChatMessage, selfID string) Message {
	return Message{
		ConversationID: msg.ConversationID,
		MsgID:          msg.ID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Body:           msg.Text,
		MessageType:    string(msg.Type),
		MediaURL:       msg.MediaURL,
		FromMe:         selfID != "" && msg.SenderID == selfID,
		Status:         string(msg.Status),
		Confirmed:      msg.Confirmed,
		Timestamp:      millis(msg.Timestamp),
	}
}

// ChatMessage converts the row back to the model type.
func (m Message) ChatMessage() model.ChatMessage {
	return model.ChatMessage{
		ID:             m.MsgID,
		Text:           m.Body,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		ConversationID: m.ConversationID,
		Timestamp:      fromMillis(m.Timestamp),
		Status:         model.ParseStatus(m.Status),
		Type:           model.ParseType(m.MessageType),
		MediaURL:       m.MediaURL,
		Confirmed:      m.Confirmed,
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
