// Package conversation keeps the message list of the open conversation
// consistent with what the server echoes back: optimistic sends, echo
// acknowledgement, read receipts, typing indicators and REST polling
// while the real-time connection is down.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/inbox"
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/outbound"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/store"
	"github.com/matheus3301/chatlink/internal/subscription"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often history is refetched while the
// real-time connection is down.
const DefaultPollInterval = 8 * time.Second

// ErrClosed is returned by operations on a closed conversation.
var ErrClosed = errors.New("conversation: closed")

// Transport is the connection state the conversation follows.
type Transport interface {
	State() model.ConnectionState
	OnStateChange(fn func(status.StateChange)) func()
}

// Queue publishes over the real-time connection.
type Queue interface {
	EnqueueOrSend(out outbound.Outbound) *outbound.Receipt
}

// Backend is the REST surface used for history and fallback sends.
type Backend interface {
	Messages(ctx context.Context, conversationID string) ([]model.ChatMessage, error)
	SendMessage(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error)
}

// Subscriptions attaches the conversation's topics.
type Subscriptions interface {
	AttachConversation(conversationID string, h subscription.ConversationHandlers)
	DetachConversation()
}

// Mirror persists applied changes.
type Mirror interface {
	UpsertMessage(m *store.Message) error
	UpsertMessages(msgs []store.Message) error
	AdoptMessageID(conversationID, localID, serverID string) error
}

// Options configures a Conversation. ID, SelfID, Transport, Queue and
// Backend are required.
type Options struct {
	ID            string
	SelfID        string
	Transport     Transport
	Queue         Queue
	Backend       Backend
	Subscriptions Subscriptions
	Store         Mirror
	Bus           *bus.Bus
	Active        *inbox.Active
	PollInterval  time.Duration
	Now           func() time.Time
	NewID         func() string
	Logger        *zap.Logger
}

// Conversation is one open conversation.
type Conversation struct {
	id      string
	self    string
	tr      Transport
	queue   Queue
	backend Backend
	subs    Subscriptions
	store   Mirror
	bus     *bus.Bus
	active  *inbox.Active
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	poll        *poller
	removeState func()
	wg          sync.WaitGroup

	mu     sync.Mutex
	msgs   []model.ChatMessage
	typing map[string]bool
	closed bool
}

// Open attaches the conversation's subscriptions, marks it active and
// starts polling if the connection is down. History is loaded by Refresh.
func Open(opts Options) (*Conversation, error) {
	switch {
	case opts.ID == "":
		return nil, errors.New("conversation: id is required")
	case opts.SelfID == "":
		return nil, errors.New("conversation: local user id is required")
	case opts.Transport == nil || opts.Queue == nil || opts.Backend == nil:
		return nil, errors.New("conversation: transport, queue and backend are required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Conversation{
		id:      opts.ID,
		self:    opts.SelfID,
		tr:      opts.Transport,
		queue:   opts.Queue,
		backend: opts.Backend,
		subs:    opts.Subscriptions,
		store:   opts.Store,
		bus:     opts.Bus,
		active:  opts.Active,
		now:     opts.Now,
		newID:   opts.NewID,
		logger:  opts.Logger.With(zap.String("conversation", opts.ID)),
		typing:  make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.poll = &poller{interval: opts.PollInterval, fn: c.pollOnce}

	if c.active != nil {
		c.active.Set(c.id)
	}
	if c.subs != nil {
		c.subs.AttachConversation(c.id, subscription.ConversationHandlers{
			OnMessage: c.ApplyIncoming,
			OnTyping:  c.ApplyTyping,
			OnRead:    c.ApplyReadReceipt,
		})
	}

	c.mu.Lock()
	c.removeState = c.tr.OnStateChange(c.onStateChange)
	if c.tr.State() != model.Connected {
		c.poll.start(c.ctx)
	}
	c.mu.Unlock()

	c.logger.Info("conversation opened", zap.Bool("polling", c.poll.running()))
	return c, nil
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Messages returns a copy of the message list, oldest first.
func (c *Conversation) Messages() []model.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.msgs)
}

// Typing returns the ids of the users currently typing, sorted.
func (c *Conversation) Typing() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typing))
	for u := range c.typing {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Polling reports whether the REST poll is running.
func (c *Conversation) Polling() bool { return c.poll.running() }

// ApplyIncoming applies a message frame. The local user's own messages
// are echoes: they acknowledge a placeholder (status delivered, server id
// adopted) or are discarded. Other users' messages are appended once and
// acknowledged with a read receipt.
func (c *Conversation) ApplyIncoming(msg model.ChatMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if msg.ConversationID != "" && msg.ConversationID != c.id {
		c.mu.Unlock()
		c.logger.Debug("dropping message for another conversation", zap.String("other", msg.ConversationID))
		return
	}
	msg.ConversationID = c.id

	if msg.SenderID == c.self {
		c.applyEchoLocked(msg)
		return
	}

	if msg.ID != "" && c.indexLocked(msg.ID) >= 0 {
		c.mu.Unlock()
		return
	}
	if msg.ID == "" {
		msg.ID = c.newID()
		msg.Confirmed = false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	if msg.Status == "" {
		msg.Status = model.StatusSent
	}
	ack := msg.Confirmed
	if ack {
		msg.Status = upgrade(msg.Status, model.StatusRead)
	}
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()

	c.changed(msg)
	if ack {
		c.queue.EnqueueOrSend(outbound.Read(model.ReadReceipt{
			UserID:         c.self,
			ConversationID: c.id,
			MessageID:      msg.ID,
			ReadAt:         c.now(),
		}))
	}
}

// applyEchoLocked is called with c.mu held and releases it.
func (c *Conversation) applyEchoLocked(msg model.ChatMessage) {
	i := Match(c.msgs, msg, c.self)
	if i < 0 {
		c.mu.Unlock()
		c.logger.Debug("echo without a local message, discarding", zap.String("id", msg.ID))
		return
	}
	entry := &c.msgs[i]
	oldID := entry.ID
	adopted := msg.ID != "" && entry.ID != msg.ID
	if adopted {
		entry.ID = msg.ID
	}
	if msg.ID != "" {
		entry.Confirmed = true
	}
	entry.Status = upgrade(upgrade(entry.Status, model.StatusDelivered), msg.Status)
	updated := *entry
	c.mu.Unlock()

	if adopted {
		c.adopt(oldID, updated.ID)
	}
	c.changed(updated)
}

// ApplyReadReceipt marks a message read. Only the local user's own
// messages are affected, and only by someone else reading them.
func (c *Conversation) ApplyReadReceipt(rr model.ReadReceipt) {
	if rr.MessageID == "" || rr.UserID == c.self {
		return
	}
	if rr.ConversationID != "" && rr.ConversationID != c.id {
		return
	}
	c.mu.Lock()
	i := c.indexLocked(rr.MessageID)
	if c.closed || i < 0 || c.msgs[i].SenderID != c.self {
		c.mu.Unlock()
		return
	}
	next := upgrade(c.msgs[i].Status, model.StatusRead)
	if next == c.msgs[i].Status {
		c.mu.Unlock()
		return
	}
	c.msgs[i].Status = next
	updated := c.msgs[i]
	c.mu.Unlock()
	c.changed(updated)
}

// ApplyTyping records a typing indicator, last write wins per user.
func (c *Conversation) ApplyTyping(ev model.TypingEvent) {
	if ev.UserID == "" || ev.UserID == c.self {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if ev.IsTyping {
		c.typing[ev.UserID] = true
	} else {
		delete(c.typing, ev.UserID)
	}
}

// SendTyping publishes the local user's typing state.
func (c *Conversation) SendTyping(isTyping bool) *outbound.Receipt {
	return c.queue.EnqueueOrSend(outbound.Typing(model.TypingEvent{
		UserID:         c.self,
		ConversationID: c.id,
		IsTyping:       isTyping,
	}))
}

// SendOptimistic inserts the draft as a sending placeholder and publishes
// it. It returns the placeholder's local id and the publish receipt. If
// the real-time send fails for good the message is posted over REST; if
// that fails too the placeholder ends in status error.
func (c *Conversation) SendOptimistic(d model.Draft) (string, *outbound.Receipt, error) {
	if d.Text == "" && d.MediaURL == "" {
		return "", nil, errors.New("conversation: empty message")
	}
	msg := model.ChatMessage{
		ID:             c.newID(),
		Text:           d.Text,
		SenderID:       c.self,
		ConversationID: c.id,
		Timestamp:      c.now(),
		Status:         model.StatusSending,
		Type:           d.Type,
		MediaURL:       d.MediaURL,
		FileName:       d.FileName,
		FileSize:       d.FileSize,
		MimeType:       d.MimeType,
	}
	if msg.Type == "" {
		msg.Type = model.TypeText
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", nil, ErrClosed
	}
	c.msgs = append(c.msgs, msg)
	c.wg.Add(1)
	c.mu.Unlock()
	c.changed(msg)

	r := c.queue.EnqueueOrSend(outbound.ChatMessage(msg))
	if r.Settled() && r.Err() == nil {
		c.wg.Done()
		c.setStatus(msg.ID, model.StatusSent)
		return msg.ID, r, nil
	}
	go c.await(msg, r)
	return msg.ID, r, nil
}

func (c *Conversation) await(msg model.ChatMessage, r *outbound.Receipt) {
	defer c.wg.Done()
	select {
	case <-r.Done():
	case <-c.ctx.Done():
		return
	}
	err := r.Err()
	if err == nil {
		c.setStatus(msg.ID, model.StatusSent)
		return
	}
	c.logger.Warn("real-time send failed, posting over REST", zap.String("local_id", msg.ID), zap.Error(err))
	c.sendREST(msg)
}

func (c *Conversation) sendREST(msg model.ChatMessage) {
	saved, err := c.backend.SendMessage(c.ctx, msg)
	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Warn("REST send failed", zap.String("local_id", msg.ID), zap.Error(err))
		c.setStatus(msg.ID, model.StatusError)
		c.bus.Publish(bus.NewEvent(bus.KindSendFailed, map[string]string{
			"conversation_id": c.id,
			"local_id":        msg.ID,
			"error":           err.Error(),
		}))
		return
	}

	c.mu.Lock()
	i := c.indexLocked(msg.ID)
	if c.closed || i < 0 {
		// An echo already adopted the server id.
		c.mu.Unlock()
		if saved.ID != "" {
			c.setStatus(saved.ID, model.StatusSent)
		}
		return
	}
	if saved.ID != "" && saved.ID != msg.ID {
		if j := c.indexLocked(saved.ID); j >= 0 {
			// A refresh already brought the server row; drop the
			// placeholder.
			c.msgs = slices.Delete(c.msgs, i, i+1)
			c.mu.Unlock()
			c.adopt(msg.ID, saved.ID)
			c.setStatus(saved.ID, model.StatusSent)
			return
		}
		c.msgs[i].ID = saved.ID
		c.msgs[i].Confirmed = true
	}
	c.msgs[i].Status = upgrade(c.msgs[i].Status, model.StatusSent)
	updated := c.msgs[i]
	c.mu.Unlock()

	if updated.ID != msg.ID {
		c.adopt(msg.ID, updated.ID)
	}
	c.changed(updated)
}

// Refresh fetches the history and merges it into the local list. A
// result that arrives after Close is ignored.
func (c *Conversation) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	server, err := c.backend.Messages(ctx, c.id)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", c.id, err)
	}

	c.mu.Lock()
	if c.closed || ctx.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	c.msgs = Merge(c.msgs, server, c.self)
	snapshot := slices.Clone(c.msgs)
	c.mu.Unlock()

	if c.store != nil {
		rows := make([]store.Message, 0, len(snapshot))
		for _, m := range snapshot {
			rows = append(rows, store.MessageFromChat(m, c.self))
		}
		if err := c.store.UpsertMessages(rows); err != nil {
			c.logger.Warn("mirror history failed", zap.Error(err))
		}
	}
	c.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, snapshot))
	c.logger.Debug("history merged", zap.Int("server", len(server)), zap.Int("local", len(snapshot)))
	return nil
}

// Close stops polling, detaches the subscriptions, clears the active
// signal and waits for in-flight work. Results arriving later are
// ignored.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.poll.stop()
	c.removeState()
	if c.subs != nil {
		c.subs.DetachConversation()
	}
	if c.active != nil {
		c.active.ClearIf(c.id)
	}
	c.wg.Wait()
	c.poll.wait()
	c.logger.Info("conversation closed")
}

func (c *Conversation) onStateChange(sc status.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if sc.To != model.Connected {
		if !c.poll.running() {
			c.logger.Info("connection down, polling history", zap.String("state", string(sc.To)))
		}
		c.poll.start(c.ctx)
		return
	}
	c.poll.stop()
	// Catch up on whatever was missed while offline.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Refresh(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("catch-up refresh failed", zap.Error(err))
		}
	}()
}

func (c *Conversation) pollOnce(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("poll failed", zap.Error(err))
	}
}

func (c *Conversation) setStatus(id string, st model.Status) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if c.closed || i < 0 {
		c.mu.Unlock()
		return
	}
	next := upgrade(c.msgs[i].Status, st)
	if next == c.msgs[i].Status {
		c.mu.Unlock()
		return
	}
	c.msgs[i].Status = next
	updated := c.msgs[i]
	c.mu.Unlock()
	c.changed(updated)
}

func (c *Conversation) indexLocked(id string) int {
	for i := range c.msgs {
		if c.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) adopt(localID, serverID string) {
	if c.store == nil {
		return
	}
	if err := c.store.AdoptMessageID(c.id, localID, serverID); err != nil {
		c.logger.Warn("mirror id adoption failed", zap.String("local_id", localID), zap.String("id", serverID), zap.Error(err))
	}
}

// changed mirrors msg and announces it.
func (c *Conversation) changed(msg model.ChatMessage) {
	if c.store != nil {
		row := store.MessageFromChat(msg, c.self)
		if err := c.store.UpsertMessage(&row); err != nil {
			c.logger.Warn("mirror message failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}
	c.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, []model.ChatMessage{msg}))
}
