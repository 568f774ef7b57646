package inbox

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/store"
	"go.uber.org/zap"
)

// ConversationStore persists conversation-list rows.
type ConversationStore interface {
	UpsertConversation(c *store.Conversation) error
	ListConversations(limit, offset int) ([]store.Conversation, error)
}

// ConversationList keeps the conversation list ordered by last activity
// and moves a conversation to the top when an inbox event arrives for it.
type ConversationList struct {
	store  ConversationStore
	bus    *bus.Bus
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	rows []model.ConversationSummary
}

// NewConversationList creates an empty list. store and b may be nil.
func NewConversationList(st ConversationStore, b *bus.Bus, logger *zap.Logger) *ConversationList {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationList{store: st, bus: b, now: time.Now, logger: logger}
}

// Replace installs a fresh list, e.g. from the REST summary, and mirrors
// it to the store.
func (l *ConversationList) Replace(rows []model.ConversationSummary) {
	sorted := slices.Clone(rows)
	sortByActivity(sorted)

	l.mu.Lock()
	l.rows = sorted
	l.mu.Unlock()

	for _, r := range sorted {
		l.persist(r)
	}
	l.announce("")
}

// LoadStored fills the list from the store. Used when the backend is
// unreachable at startup.
func (l *ConversationList) LoadStored() error {
	if l.store == nil {
		return nil
	}
	stored, err := l.store.ListConversations(200, 0)
	if err != nil {
		return err
	}
	rows := make([]model.ConversationSummary, 0, len(stored))
	for _, c := range stored {
		rows = append(rows, c.Summary())
	}
	sortByActivity(rows)
	l.mu.Lock()
	l.rows = rows
	l.mu.Unlock()
	return nil
}

// Handle is the fan-out listener.
func (l *ConversationList) Handle(ev model.InboxEvent) {
	if ev.ConversationID == "" {
		return
	}
	preview := ev.Text
	if ev.Type != "" && ev.Type != model.TypeText {
		preview = strings.ToUpper(string(ev.Type))
	}
	now := l.now()

	l.mu.Lock()
	i := slices.IndexFunc(l.rows, func(r model.ConversationSummary) bool { return r.ID == ev.ConversationID })
	var row model.ConversationSummary
	if i >= 0 {
		row = l.rows[i]
		row.LastMessage = preview
		row.LastMessageAt = now
		if ev.ConversationName != "" {
			row.Name = ev.ConversationName
		}
		l.rows = slices.Delete(l.rows, i, i+1)
		l.rows = slices.Insert(l.rows, 0, row)
	} else {
		row = model.ConversationSummary{
			ID:            ev.ConversationID,
			Name:          firstNonEmpty(ev.ConversationName, ev.SenderName, "Conversation"),
			LastMessage:   preview,
			LastMessageAt: now,
		}
		l.rows = append(l.rows, row)
		sortByActivity(l.rows)
	}
	l.mu.Unlock()

	l.persist(row)
	l.announce(row.ID)
}

// Snapshot returns a copy of the list, newest activity first.
func (l *ConversationList) Snapshot() []model.ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.rows)
}

func (l *ConversationList) persist(r model.ConversationSummary) {
	if l.store == nil {
		return
	}
	row := store.ConversationFromSummary(r)
	if err := l.store.UpsertConversation(&row); err != nil {
		l.logger.Warn("persist conversation failed", zap.String("conversation", r.ID), zap.Error(err))
	}
}

func (l *ConversationList) announce(conversationID string) {
	l.bus.Publish(bus.NewEvent(bus.KindConversationsUpdated, map[string]string{"conversation_id": conversationID}))
}

func sortByActivity(rows []model.ConversationSummary) {
	slices.SortStableFunc(rows, func(a, b model.ConversationSummary) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
