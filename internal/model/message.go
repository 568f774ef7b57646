package model

import (
	"strings"
	"time"
)

// Status is the delivery state of a chat message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

// Rank orders statuses along the happy path. Error ranks below sending
// so that any confirmed status from the server wins over a local failure.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Pending reports whether a local message is still waiting for its echo.
func (s Status) Pending() bool {
	return s == StatusSending || s == StatusSent
}

// ParseStatus maps a wire value to a Status, defaulting to sent.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusError:
		return Status(s)
	}
	return StatusSent
}

// MessageType is the content kind of a chat message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
)

// ParseType maps a wire value (any case) to a MessageType. Unknown and
// empty values become text; the backend's "pdf" alias becomes document.
func ParseType(s string) MessageType {
	switch t := MessageType(strings.ToLower(s)); t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeFile, TypeLocation:
		return t
	case "pdf":
		return TypeDocument
	}
	return TypeText
}

// ChatMessage is one message of a conversation as seen by this client.
// ID may be a client-generated placeholder until the server echo assigns
// the canonical id.
type ChatMessage struct {
	ID               string      `json:"id,omitempty"`
	Text             string      `json:"text"`
	SenderID         string      `json:"senderId"`
	SenderName       string      `json:"senderName,omitempty"`
	ConversationID   string      `json:"conversationId,omitempty"`
	ConversationName string      `json:"conversationName,omitempty"`
	Timestamp        time.Time   `json:"timestamp,omitzero"`
	Status           Status      `json:"status,omitempty"`
	Type             MessageType `json:"type,omitempty"`
	MediaURL         string      `json:"mediaUrl,omitempty"`
	FileName         string      `json:"fileName,omitempty"`
	FileSize         int64       `json:"fileSize,omitempty"`
	MimeType         string      `json:"mimeType,omitempty"`

	// Confirmed is set once ID is the server-assigned id; until then ID
	// holds a local placeholder.
	Confirmed bool `json:"-"`
}

// Draft is what the user composes before it becomes a ChatMessage.
type Draft struct {
	Text     string
	Type     MessageType
	MediaURL string
	FileName string
	FileSize int64
	MimeType string
}
