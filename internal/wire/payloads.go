package wire

import (
	"strings"

	"github.com/matheus3301/chatlink/internal/model"
)

// SendPayload is the body of /app/chat.send/{conversationId}.
type SendPayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	Type           string `json:"type"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
}

// NewSendPayload builds the send body. The backend parses the type as an
// upper-case enum name.
func NewSendPayload(msg model.ChatMessage) SendPayload {
	t := msg.Type
	if t == "" {
		t = model.TypeText
	}
	return SendPayload{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Type:           strings.ToUpper(string(t)),
		MediaURL:       msg.MediaURL,
		FileName:       msg.FileName,
		FileSize:       msg.FileSize,
		MimeType:       msg.MimeType,
	}
}

// TypingPayload is the body of /app/chat.typing/{conversationId}. Typing
// repeats IsTyping for backends that still read the older field name.
type TypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	Typing         bool   `json:"typing"`
}

func NewTypingPayload(ev model.TypingEvent) TypingPayload {
	return TypingPayload{UserID: ev.UserID, ConversationID: ev.ConversationID, IsTyping: ev.IsTyping, Typing: ev.IsTyping}
}

// ReadPayload is the body of /app/chat.read. ReaderID repeats UserID for
// backends that name the reader readerId.
type ReadPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	ReadAt         string `json:"readAt,omitempty"`
	ReaderID       string `json:"readerId"`
}

// isoMillis matches the ISO 8601 form the web client sends.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func NewReadPayload(rr model.ReadReceipt) ReadPayload {
	p := ReadPayload{UserID: rr.UserID, ConversationID: rr.ConversationID, MessageID: rr.MessageID, ReaderID: rr.UserID}
	if !rr.ReadAt.IsZero() {
		p.ReadAt = rr.ReadAt.UTC().Format(isoMillis)
	}
	return p
}
