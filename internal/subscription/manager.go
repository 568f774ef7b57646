// Package subscription keeps the broker subscriptions the session wants.
// Callers declare intents; the manager replays them on every transition
// into CONNECTED and drops them when the connection goes away.
package subscription

import (
	"errors"
	"sync"

	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/transport"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.uber.org/zap"
)

// Transport is the part of the transport client the manager drives.
type Transport interface {
	Subscribe(destination, id string, handler func(transport.Frame)) (*transport.Handle, error)
	OnStateChange(fn func(status.StateChange)) func()
	State() model.ConnectionState
}

// ConversationHandlers receive decoded frames for the attached
// conversation. OnTyping and OnRead are optional; their topics are only
// subscribed when set.
type ConversationHandlers struct {
	OnMessage func(model.ChatMessage)
	OnTyping  func(model.TypingEvent)
	OnRead    func(model.ReadReceipt)
}

type intent struct {
	id      string
	topic   string
	deliver func(body []byte)
}

// Manager owns every subscription of a session.
type Manager struct {
	tr     Transport
	logger *zap.Logger
	remove func()

	// gate is held for reading while a conversation frame is dispatched
	// and for writing while the conversation changes, so no frame of a
	// detached conversation reaches a handler after Attach/Detach returns.
	gate sync.RWMutex

	mu             sync.Mutex
	epoch          uint64
	conversationID string
	conversation   []intent
	inboxUser      string
	inbox          []intent
	live           map[string]*transport.Handle
	closed         bool
}

// New creates a manager and starts following tr's state.
func New(tr Transport, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		tr:     tr,
		logger: logger,
		live:   make(map[string]*transport.Handle),
	}
	m.remove = tr.OnStateChange(m.onStateChange)
	return m
}

// AttachConversation replaces the current conversation intents with the
// ones for conversationID. Frames still in flight for the previous
// conversation are discarded.
func (m *Manager) AttachConversation(conversationID string, h ConversationHandlers) {
	// The old subscriptions end first; reattaching the same conversation
	// reuses their ids.
	m.DetachConversation()
	m.release(m.attachConversation(conversationID, h))
}

func (m *Manager) attachConversation(conversationID string, h ConversationHandlers) []*transport.Handle {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	stale := m.dropLocked(m.conversation)
	m.epoch++
	epoch := m.epoch
	m.conversationID = conversationID
	m.conversation = m.conversationIntents(conversationID, epoch, h)
	m.logger.Info("conversation attached", zap.String("conversation", conversationID), zap.Uint64("epoch", epoch))

	if m.tr.State() == model.Connected {
		m.subscribeLocked(m.conversation)
	}
	return stale
}

// DetachConversation removes the conversation intents.
func (m *Manager) DetachConversation() {
	m.release(m.detachConversation())
}

func (m *Manager) detachConversation() []*transport.Handle {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conversation == nil {
		return nil
	}
	stale := m.dropLocked(m.conversation)
	m.epoch++
	m.logger.Info("conversation detached", zap.String("conversation", m.conversationID))
	m.conversationID = ""
	m.conversation = nil
	return stale
}

// AttachInbox declares the personal inbox intent for userID. There is
// exactly one per session; attaching for another user replaces it and
// attaching again for the same user is a no-op.
func (m *Manager) AttachInbox(userID string, handler func(model.InboxEvent)) {
	m.release(m.attachInbox(userID, handler))
}

func (m *Manager) attachInbox(userID string, handler func(model.InboxEvent)) []*transport.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || userID == m.inboxUser {
		return nil
	}

	stale := m.dropLocked(m.inbox)
	m.inboxUser = userID
	m.inbox = m.inboxIntents(userID, handler)
	m.logger.Info("inbox attached", zap.String("user", userID))

	if m.tr.State() == model.Connected {
		m.subscribeLocked(m.inbox)
	}
	return stale
}

// Subscriptions lists every intent and whether it is live on the current
// connection.
func (m *Manager) Subscriptions() []model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, set := range [][]intent{m.inbox, m.conversation} {
		for _, in := range set {
			_, ok := m.live[in.id]
			out = append(out, model.Subscription{ID: in.id, Topic: in.topic, Active: ok})
		}
	}
	return out
}

// Close stops following the transport and ends every subscription.
func (m *Manager) Close() {
	m.remove()
	m.gate.Lock()
	m.mu.Lock()
	stale := append(m.dropLocked(m.conversation), m.dropLocked(m.inbox)...)
	m.epoch++
	m.conversation, m.inbox = nil, nil
	m.inboxUser, m.conversationID = "", ""
	m.closed = true
	m.mu.Unlock()
	m.gate.Unlock()
	m.release(stale)
}

func (m *Manager) onStateChange(sc status.StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case sc.To == model.Connected:
		m.subscribeLocked(m.inbox)
		m.subscribeLocked(m.conversation)
	case sc.From == model.Connected:
		// The connection took its subscriptions with it.
		clear(m.live)
	}
}

func (m *Manager) subscribeLocked(intents []intent) {
	for _, in := range intents {
		if _, ok := m.live[in.id]; ok {
			continue
		}
		deliver := in.deliver
		h, err := m.tr.Subscribe(in.topic, in.id, func(f transport.Frame) { deliver(f.Body) })
		if err != nil {
			level := m.logger.Warn
			if errors.Is(err, transport.ErrNotConnected) {
				level = m.logger.Debug
			}
			level("subscribe failed", zap.String("topic", in.topic), zap.String("id", in.id), zap.Error(err))
			continue
		}
		m.live[in.id] = h
		m.logger.Debug("subscribed", zap.String("topic", in.topic), zap.String("id", in.id))
	}
}

// dropLocked forgets the live handles of intents and returns them. The
// caller unsubscribes them through release once every lock is dropped:
// an UNSUBSCRIBE waits for a broker round trip and state changes arrive
// on the transport loop, which needs m.mu.
func (m *Manager) dropLocked(intents []intent) []*transport.Handle {
	var stale []*transport.Handle
	for _, in := range intents {
		h, ok := m.live[in.id]
		if !ok {
			continue
		}
		delete(m.live, in.id)
		stale = append(stale, h)
	}
	return stale
}

// release unsubscribes handles concurrently and waits for all of them.
func (m *Manager) release(handles []*transport.Handle) {
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Go(func() {
			if err := h.Unsubscribe(); err != nil {
				m.logger.Debug("unsubscribe failed", zap.String("id", h.ID), zap.Error(err))
			}
		})
	}
	wg.Wait()
}

func (m *Manager) conversationIntents(conversationID string, epoch uint64, h ConversationHandlers) []intent {
	var out []intent
	if h.OnMessage != nil {
		out = append(out, intent{
			id:    "sub-" + conversationID + "-messages",
			topic: wire.ConversationTopic(conversationID),
			deliver: m.scoped(epoch, "message", func(body []byte) error {
				msg, err := wire.ParseMessage(body)
				if err != nil {
					return err
				}
				if msg.ConversationID == "" {
					msg.ConversationID = conversationID
				}
				h.OnMessage(msg)
				return nil
			}),
		})
	}
	if h.OnTyping != nil {
		out = append(out, intent{
			id:    "typing-" + conversationID,
			topic: wire.TypingTopic(conversationID),
			deliver: m.scoped(epoch, "typing", func(body []byte) error {
				ev, err := wire.ParseTyping(body)
				if err != nil {
					return err
				}
				if ev.ConversationID == "" {
					ev.ConversationID = conversationID
				}
				h.OnTyping(ev)
				return nil
			}),
		})
	}
	if h.OnRead != nil {
		out = append(out, intent{
			id:    "read-" + conversationID,
			topic: wire.ReadTopic(conversationID),
			deliver: m.scoped(epoch, "read", func(body []byte) error {
				rr, err := wire.ParseReadReceipt(body)
				if err != nil {
					return err
				}
				if rr.ConversationID == "" {
					rr.ConversationID = conversationID
				}
				h.OnRead(rr)
				return nil
			}),
		})
	}
	return out
}

// inboxIntents subscribes both personal streams. The backend still
// publishes some events only to the legacy per-user topic; drop the
// second intent once it delivers everything to /user/queue/inbox.
func (m *Manager) inboxIntents(userID string, handler func(model.InboxEvent)) []intent {
	deliver := func(body []byte) {
		m.guard("inbox", func() error {
			ev, err := wire.ParseInboxEvent(body)
			if err != nil {
				return err
			}
			handler(ev)
			return nil
		})
	}
	return []intent{
		{id: "inbox-" + userID, topic: wire.InboxQueue, deliver: deliver},
		{id: "user-msg-" + userID, topic: wire.UserMessagesTopic(userID), deliver: deliver},
	}
}

// scoped wraps a conversation handler so frames from an older attachment
// are dropped.
func (m *Manager) scoped(epoch uint64, kind string, fn func([]byte) error) func([]byte) {
	return func(body []byte) {
		m.gate.RLock()
		defer m.gate.RUnlock()
		m.mu.Lock()
		current := m.epoch
		m.mu.Unlock()
		if current != epoch {
			m.logger.Debug("dropping frame for detached conversation", zap.String("kind", kind), zap.Uint64("epoch", epoch))
			return
		}
		m.guard(kind, func() error { return fn(body) })
	}
}

// guard logs and drops malformed frames and recovers handler panics.
func (m *Manager) guard(kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("frame handler panicked", zap.String("kind", kind), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		m.logger.Warn("dropping malformed frame", zap.String("kind", kind), zap.Error(err))
	}
}
