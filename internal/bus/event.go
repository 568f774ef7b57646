package bus

import "time"

// Event kinds published by the session components.
const (
	KindConnectionChanged    = "connection.state_changed"
	KindMessageUpserted      = "message.upserted"
	KindUnreadChanged        = "inbox.unread"
	KindNotification         = "inbox.notification"
	KindConversationsUpdated = "conversations.updated"
	KindSendFailed           = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
