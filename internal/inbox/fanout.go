// Package inbox fans the user's personal event stream out to independent
// listeners: unread counters, in-app notifications and the conversation
// list.
package inbox

import (
	"sync"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/model"
	"go.uber.org/zap"
)

// Fanout delivers every inbox event to every listener, synchronously and
// in registration order. It does not deduplicate: the inbox stream is
// subscribed twice while the backend migrates, so listeners see some
// events twice.
type Fanout struct {
	reg    *bus.Registry[model.InboxEvent]
	logger *zap.Logger
}

// NewFanout creates an empty fan-out.
func NewFanout(logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{reg: bus.NewRegistry[model.InboxEvent](), logger: logger}
}

// Subscribe adds a listener. A panicking listener is logged and does not
// keep the others from running.
func (f *Fanout) Subscribe(fn func(model.InboxEvent)) func() {
	return f.reg.Add(func(ev model.InboxEvent) {
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("inbox listener panicked", zap.String("conversation", ev.ConversationID), zap.Any("panic", r))
			}
		}()
		fn(ev)
	})
}

// Deliver hands ev to every listener.
func (f *Fanout) Deliver(ev model.InboxEvent) {
	f.logger.Debug("inbox event",
		zap.String("id", ev.ID),
		zap.String("conversation", ev.ConversationID),
		zap.String("sender", ev.SenderID))
	f.reg.Emit(ev)
}

// Active is the "conversation currently on screen" signal. It is owned by
// whoever opens conversations; inbox listeners only read it.
type Active struct {
	mu sync.RWMutex
	id string
}

// Set marks conversationID as active; "" clears it.
func (a *Active) Set(conversationID string) {
	a.mu.Lock()
	a.id = conversationID
	a.mu.Unlock()
}

// ClearIf clears the signal only if conversationID is still the active
// one, so a late close does not clobber a newer open.
func (a *Active) ClearIf(conversationID string) {
	a.mu.Lock()
	if a.id == conversationID {
		a.id = ""
	}
	a.mu.Unlock()
}

// Get returns the active conversation id, or "".
func (a *Active) Get() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// Is reports whether conversationID is the active conversation.
func (a *Active) Is(conversationID string) bool {
	return conversationID != "" && a.Get() == conversationID
}

// skip reports whether ev is the local user's own echo or belongs to the
// active conversation.
func skip(ev model.InboxEvent, self func() string, active *Active) bool {
	if self != nil {
		if id := self(); id != "" && ev.SenderID == id {
			return true
		}
	}
	return active != nil && active.Is(ev.ConversationID)
}

// recent remembers the last n event ids so a listener can ignore the
// copy of an event that arrives on both personal streams.
type recent struct {
	n     int
	ids   map[string]struct{}
	order []string
}

func newRecent(n int) *recent {
	return &recent{n: n, ids: make(map[string]struct{}, n)}
}

// add records id and reports whether it was new. Empty ids are always new.
func (r *recent) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.ids[id]; ok {
		return false
	}
	if len(r.order) == r.n {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	return true
}
