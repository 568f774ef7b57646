package inbox

import (
	"sync"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/model"
	"go.uber.org/zap"
)

// UnreadStore persists per-conversation unread counters.
type UnreadStore interface {
	SetUnreadCount(conversationID string, n int) error
}

// UnreadCounter counts inbox events per conversation, ignoring the local
// user's own messages and the active conversation.
type UnreadCounter struct {
	self   func() string
	active *Active
	store  UnreadStore
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]int
	seen   *recent
}

// NewUnreadCounter creates a counter. store and b may be nil.
func NewUnreadCounter(self func() string, active *Active, store UnreadStore, b *bus.Bus, logger *zap.Logger) *UnreadCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnreadCounter{
		self:   self,
		active: active,
		store:  store,
		bus:    b,
		logger: logger,
		counts: make(map[string]int),
		seen:   newRecent(256),
	}
}

// Handle is the fan-out listener. An event id seen recently is counted
// once.
func (u *UnreadCounter) Handle(ev model.InboxEvent) {
	if ev.ConversationID == "" || skip(ev, u.self, u.active) {
		return
	}
	u.mu.Lock()
	if !u.seen.add(ev.ID) {
		u.mu.Unlock()
		return
	}
	u.counts[ev.ConversationID]++
	n := u.counts[ev.ConversationID]
	u.mu.Unlock()
	u.changed(ev.ConversationID, n)
}

// Set overrides a counter, e.g. from the server-side summary.
func (u *UnreadCounter) Set(conversationID string, n int) {
	if n < 0 {
		n = 0
	}
	u.mu.Lock()
	if n == 0 {
		delete(u.counts, conversationID)
	} else {
		u.counts[conversationID] = n
	}
	u.mu.Unlock()
	u.changed(conversationID, n)
}

// Clear resets a conversation's counter.
func (u *UnreadCounter) Clear(conversationID string) {
	u.mu.Lock()
	_, had := u.counts[conversationID]
	delete(u.counts, conversationID)
	u.mu.Unlock()
	if had {
		u.changed(conversationID, 0)
	}
}

// Get returns a conversation's counter.
func (u *UnreadCounter) Get(conversationID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[conversationID]
}

// All returns a copy of every non-zero counter.
func (u *UnreadCounter) All() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

func (u *UnreadCounter) changed(conversationID string, n int) {
	if u.store != nil {
		if err := u.store.SetUnreadCount(conversationID, n); err != nil {
			u.logger.Warn("persist unread count failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	u.bus.Publish(bus.NewEvent(bus.KindUnreadChanged, map[string]any{
		"conversation_id": conversationID,
		"count":           n,
	}))
}
