package model

import "time"

// ConnectionState is the lifecycle state of the real-time connection.
type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
	// Error means the reconnect budget is spent; only an explicit
	// connect leaves it.
	Error ConnectionState = "ERROR"
)

// TypingEvent is an ephemeral typing indicator.
type TypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt reports that UserID has read MessageID.
type ReadReceipt struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	ReadAt         time.Time `json:"readAt,omitzero"`
}

// InboxEvent is the normalised envelope delivered on the user's personal
// stream. Display names are denormalised because the recipient may not
// have the conversation loaded.
type InboxEvent struct {
	ID               string      `json:"id"`
	Text             string      `json:"text"`
	SenderID         string      `json:"senderId"`
	SenderName       string      `json:"senderName,omitempty"`
	ConversationID   string      `json:"conversationId"`
	ConversationName string      `json:"conversationName,omitempty"`
	Timestamp        time.Time   `json:"timestamp,omitzero"`
	Type             MessageType `json:"type,omitempty"`
	MediaURL         string      `json:"mediaUrl,omitempty"`
}

// Subscription describes one broker subscription owned by the
// subscription manager.
type Subscription struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Active bool   `json:"active"`
}

// ConversationSummary is a row of the conversation list.
type ConversationSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt,omitzero"`
	UnreadCount   int       `json:"unreadCount"`
}

// User is the authenticated account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Media is the result of an upload.
type Media struct {
	URL          string `json:"url"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	OriginalName string `json:"originalName"`
}
