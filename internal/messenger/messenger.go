// Package messenger wires the real-time session together: one transport
// client, its subscriptions, the outbound queue, the inbox listeners and
// at most one open conversation.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatlink/internal/auth"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/conversation"
	"github.com/matheus3301/chatlink/internal/inbox"
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/outbound"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/store"
	"github.com/matheus3301/chatlink/internal/subscription"
	"github.com/matheus3301/chatlink/internal/transport"
	"go.uber.org/zap"
)

// ErrNotLoggedIn is returned when an operation needs the local user and
// no token has been accepted by the backend yet.
var ErrNotLoggedIn = errors.New("messenger: not logged in")

// Backend is the REST surface the session needs.
type Backend interface {
	conversation.Backend
	Me(ctx context.Context) (model.User, error)
	Summaries(ctx context.Context) ([]model.ConversationSummary, error)
	ConversationName(ctx context.Context, conversationID, selfID string) (string, error)
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (model.Media, error)
}

// Options configures a Messenger. Dialer, Tokens, Backend and Store are
// required.
type Options struct {
	Dialer        transport.Dialer
	Tokens        *auth.TokenSource
	Backend       Backend
	Store         *store.DB
	Bus           *bus.Bus
	Policy        status.Policy
	ClientType    string
	ClientVersion string
	QueueExpiry   time.Duration
	PollInterval  time.Duration
	Scheduler     transport.Scheduler
	Logger        *zap.Logger
}

// Status is a point-in-time view of the session.
type Status struct {
	Connection         status.Snapshot
	LastError          string
	User               model.User
	ActiveConversation string
	QueueLength        int
	Subscriptions      []model.Subscription
	Unread             map[string]int
}

// Messenger owns the long-lived session components.
type Messenger struct {
	client   *transport.Client
	subs     *subscription.Manager
	queue    *outbound.Queue
	fanout   *inbox.Fanout
	active   *inbox.Active
	unread   *inbox.UnreadCounter
	notifier *inbox.Notifier
	list     *inbox.ConversationList
	tokens   *auth.TokenSource
	backend  Backend
	store    *store.DB
	bus      *bus.Bus
	poll     time.Duration
	logger   *zap.Logger

	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	loggingIn atomic.Bool

	mu   sync.Mutex
	user model.User
	conv *conversation.Conversation
}

// New builds the session. Nothing connects until Start.
func New(opts Options) (*Messenger, error) {
	switch {
	case opts.Dialer == nil:
		return nil, errors.New("messenger: dialer is required")
	case opts.Tokens == nil:
		return nil, errors.New("messenger: token source is required")
	case opts.Backend == nil:
		return nil, errors.New("messenger: backend is required")
	case opts.Store == nil:
		return nil, errors.New("messenger: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Messenger{
		tokens:  opts.Tokens,
		backend: opts.Backend,
		store:   opts.Store,
		bus:     opts.Bus,
		poll:    opts.PollInterval,
		logger:  opts.Logger,
		active:  &inbox.Active{},
	}
	m.client = transport.NewClient(transport.Options{
		Dialer:        opts.Dialer,
		Tokens:        opts.Tokens,
		Policy:        opts.Policy,
		ClientType:    opts.ClientType,
		ClientVersion: opts.ClientVersion,
		Scheduler:     opts.Scheduler,
		Bus:           opts.Bus,
		Logger:        opts.Logger.Named("transport"),
	})
	// Subscriptions are replayed before the queue drains so that replies
	// to replayed sends find their topics live.
	m.subs = subscription.New(m.client, opts.Logger.Named("subscription"))
	m.queue = outbound.New(m.client, outbound.Options{
		Expiry: opts.QueueExpiry,
		Bus:    opts.Bus,
		Logger: opts.Logger.Named("outbound"),
	})

	m.fanout = inbox.NewFanout(opts.Logger.Named("inbox"))
	m.unread = inbox.NewUnreadCounter(m.selfID, m.active, opts.Store, opts.Bus, opts.Logger.Named("unread"))
	m.notifier = inbox.NewNotifier(m.selfID, m.active, opts.Bus, opts.Logger.Named("notifier"))
	m.list = inbox.NewConversationList(opts.Store, opts.Bus, opts.Logger.Named("conversations"))
	m.fanout.Subscribe(m.unread.Handle)
	m.fanout.Subscribe(m.notifier.Handle)
	m.fanout.Subscribe(m.list.Handle)

	m.client.OnStateChange(m.onStateChange)
	m.tokens.OnClear(func() {
		m.logger.Warn("token rejected, disconnecting")
		m.client.Disconnect()
	})
	return m, nil
}

// Start runs the transport loop and the queue sweep until ctx is done or
// Close is called, then logs in. A missing token is not an error: the
// session stays disconnected until SetToken.
func (m *Messenger) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCtx, m.cancel = runCtx, cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		if err := m.client.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("transport loop stopped", zap.Error(err))
		}
	}()
	m.queue.Start(runCtx)

	if err := m.list.LoadStored(); err != nil {
		m.logger.Warn("load stored conversations failed", zap.Error(err))
	}

	err := m.Connect(ctx)
	if errors.Is(err, auth.ErrNoToken) {
		m.logger.Info("no token stored, waiting for one")
		return nil
	}
	return err
}

// Connect asks the transport to connect whenever a token is stored, then
// logs in if needed. A failed login is returned but leaves the transport
// connecting; it is retried on the next transition into CONNECTED.
func (m *Messenger) Connect(ctx context.Context) error {
	if _, err := m.tokens.Token(); err != nil {
		return err
	}
	m.client.Connect()
	if m.self().ID != "" {
		return nil
	}
	return m.login(ctx)
}

// onStateChange runs on the transport loop and must not block.
func (m *Messenger) onStateChange(sc status.StateChange) {
	if sc.To != model.Connected || m.self().ID != "" || m.runCtx == nil {
		return
	}
	go func() {
		if err := m.login(m.runCtx); err != nil && m.runCtx.Err() == nil {
			m.logger.Warn("login retry failed", zap.Error(err))
		}
	}()
}

// Disconnect closes the real-time connection and stops reconnecting.
func (m *Messenger) Disconnect() {
	m.client.Disconnect()
}

// SetToken stores a bearer token and reconnects with it.
func (m *Messenger) SetToken(ctx context.Context, token string) error {
	if err := m.tokens.Save(token); err != nil {
		return err
	}
	m.mu.Lock()
	m.user = model.User{}
	m.mu.Unlock()
	return m.Connect(ctx)
}

// login resolves the local user, attaches the inbox and loads the
// conversation list.
func (m *Messenger) login(ctx context.Context) error {
	if !m.loggingIn.CompareAndSwap(false, true) {
		return nil
	}
	defer m.loggingIn.Store(false)

	user, err := m.backend.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	m.logger.Info("logged in", zap.String("user", user.ID), zap.String("name", user.Name))

	m.subs.AttachInbox(user.ID, m.fanout.Deliver)

	if err := m.RefreshConversations(ctx); err != nil {
		m.logger.Warn("load conversations failed", zap.Error(err))
	}
	return nil
}

// RefreshConversations replaces the conversation list and the unread
// counters with the backend's summary.
func (m *Messenger) RefreshConversations(ctx context.Context) error {
	rows, err := m.backend.Summaries(ctx)
	if err != nil {
		return fmt.Errorf("conversation summaries: %w", err)
	}
	self := m.selfID()
	for i := range rows {
		if rows[i].Name != "" {
			continue
		}
		name, err := m.backend.ConversationName(ctx, rows[i].ID, self)
		if err != nil {
			m.logger.Warn("resolve conversation name failed", zap.String("conversation", rows[i].ID), zap.Error(err))
			continue
		}
		rows[i].Name = name
	}
	m.list.Replace(rows)
	for _, r := range rows {
		if !m.active.Is(r.ID) {
			m.unread.Set(r.ID, r.UnreadCount)
		}
	}
	return nil
}

// Open makes conversationID the open conversation, closing any other,
// clears its unread counter and loads its history. Opening the
// conversation that is already open returns it unchanged.
func (m *Messenger) Open(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	self := m.self()
	if self.ID == "" {
		return nil, ErrNotLoggedIn
	}

	m.mu.Lock()
	if m.conv != nil && m.conv.ID() == conversationID {
		conv := m.conv
		m.mu.Unlock()
		return conv, nil
	}
	prev := m.conv
	m.conv = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	conv, err := conversation.Open(conversation.Options{
		ID:            conversationID,
		SelfID:        self.ID,
		Transport:     m.client,
		Queue:         m.queue,
		Backend:       m.backend,
		Subscriptions: m.subs,
		Store:         m.store,
		Bus:           m.bus,
		Active:        m.active,
		PollInterval:  m.poll,
		Logger:        m.logger.Named("conversation"),
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.conv != nil {
		// A concurrent Open won.
		m.mu.Unlock()
		conv.Close()
		return nil, fmt.Errorf("open %s: another conversation was opened concurrently", conversationID)
	}
	m.conv = conv
	m.mu.Unlock()

	m.unread.Clear(conversationID)
	if err := conv.Refresh(ctx); err != nil {
		m.logger.Warn("initial history load failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	return conv, nil
}

// Current returns the open conversation, or nil.
func (m *Messenger) Current() *conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv
}

// CloseConversation closes the open conversation, if any.
func (m *Messenger) CloseConversation() {
	m.mu.Lock()
	conv := m.conv
	m.conv = nil
	m.mu.Unlock()
	if conv != nil {
		conv.Close()
	}
}

// SendText opens conversationID if needed and sends text optimistically.
func (m *Messenger) SendText(ctx context.Context, conversationID, text string) (string, *outbound.Receipt, error) {
	conv, err := m.Open(ctx, conversationID)
	if err != nil {
		return "", nil, err
	}
	return conv.SendOptimistic(model.Draft{Text: text, Type: model.TypeText})
}

// Conversations returns the conversation list, most recent first.
func (m *Messenger) Conversations() []model.ConversationSummary {
	rows := m.list.Snapshot()
	for i := range rows {
		rows[i].UnreadCount = m.unread.Get(rows[i].ID)
	}
	return rows
}

// History returns mirrored messages of conversationID older than before
// (zero means newest), newest first.
func (m *Messenger) History(conversationID string, before time.Time, limit int) ([]model.ChatMessage, error) {
	var beforeTs int64
	if !before.IsZero() {
		beforeTs = before.UnixMilli()
	}
	rows, err := m.store.ListMessages(conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChatMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ChatMessage())
	}
	return out, nil
}

// LastNotification returns the most recent inbox banner.
func (m *Messenger) LastNotification() (inbox.Notification, bool) {
	return m.notifier.Last()
}

// Status reports the session state.
func (m *Messenger) Status() Status {
	st := Status{
		Connection:         m.client.Snapshot(),
		User:               m.self(),
		ActiveConversation: m.active.Get(),
		QueueLength:        m.queue.Len(),
		Subscriptions:      m.subs.Subscriptions(),
		Unread:             m.unread.All(),
	}
	if err := m.client.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Close closes the open conversation, rejects queued sends, drops the
// subscriptions and stops the transport loop.
func (m *Messenger) Close() {
	m.CloseConversation()
	m.queue.Close()
	m.subs.Close()
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.logger.Info("messenger stopped")
}

func (m *Messenger) self() model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

func (m *Messenger) selfID() string { return m.self().ID }

// OpenConversation opens conversationID and returns its messages, oldest
// first.
func (m *Messenger) OpenConversation(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	conv, err := m.Open(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Messages(), nil
}
