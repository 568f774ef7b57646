package inbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/model"
	"go.uber.org/zap"
)

// Notification is an in-app banner for a message in a background
// conversation.
type Notification struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	SenderName       string    `json:"senderName"`
	ConversationID   string    `json:"conversationId"`
	ConversationName string    `json:"conversationName,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Preview renders the one-line banner body for a message.
func Preview(t model.MessageType, text string) string {
	switch t {
	case model.TypeText, "":
		return text
	case model.TypeImage:
		return "📷 Photo"
	case model.TypeVideo:
		return "🎥 Video"
	case model.TypeAudio:
		return "🔊 Voice message"
	case model.TypeDocument:
		return "📄 Document"
	case model.TypeFile:
		return "📁 File"
	case model.TypeLocation:
		return "📍 Location"
	}
	return "New message"
}

// Notifier turns inbox events into notifications, skipping the local
// user's own messages and the active conversation.
type Notifier struct {
	self   func() string
	active *Active
	bus    *bus.Bus
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	last *Notification
	seen *recent
}

// NewNotifier creates a notifier. b may be nil.
func NewNotifier(self func() string, active *Active, b *bus.Bus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{self: self, active: active, bus: b, now: time.Now, logger: logger, seen: newRecent(64)}
}

// Handle is the fan-out listener.
func (n *Notifier) Handle(ev model.InboxEvent) {
	if skip(ev, n.self, n.active) {
		return
	}
	n.mu.Lock()
	fresh := n.seen.add(ev.ID)
	n.mu.Unlock()
	if !fresh {
		return
	}
	note := Notification{
		ID:               uuid.NewString(),
		Title:            ev.ConversationName,
		Body:             Preview(ev.Type, ev.Text),
		SenderName:       ev.SenderName,
		ConversationID:   ev.ConversationID,
		ConversationName: ev.ConversationName,
		Timestamp:        ev.Timestamp,
	}
	if note.Title == "" {
		note.Title = "New conversation"
	}
	if note.SenderName == "" {
		note.SenderName = "Unknown sender"
	}
	if note.Timestamp.IsZero() {
		note.Timestamp = n.now()
	}

	n.mu.Lock()
	n.last = &note
	n.mu.Unlock()

	n.logger.Debug("notification", zap.String("conversation", note.ConversationID), zap.String("title", note.Title))
	n.bus.Publish(bus.NewEvent(bus.KindNotification, note))
}

// Last returns the most recent notification, if any.
func (n *Notifier) Last() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last == nil {
		return Notification{}, false
	}
	return *n.last, true
}
