package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/status"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Options configures a Client. Dialer and Tokens are required.
type Options struct {
	Dialer        Dialer
	Tokens        oauth2.TokenSource
	Policy        status.Policy
	ClientType    string
	ClientVersion string
	DialTimeout   time.Duration
	Scheduler     Scheduler
	Bus           *bus.Bus
	Logger        *zap.Logger
}

type loopEvent struct {
	ev   status.Event
	gen  uint64
	conn Conn
	err  error
}

// Client owns the connection state machine. All transitions run on the
// goroutine executing Run; Connect, Disconnect and Reconnect only post to
// its mailbox and never block.
type Client struct {
	dialer    Dialer
	tokens    oauth2.TokenSource
	policy    status.Policy
	headers   map[string]string
	timeout   time.Duration
	scheduler Scheduler
	bus       *bus.Bus
	logger    *zap.Logger
	listeners *bus.Registry[status.StateChange]

	mu      sync.Mutex
	mailbox []loopEvent
	wake    chan struct{}

	// Owned by the loop goroutine.
	gen      uint64
	retryGen uint64
	retry    Timer

	stateMu  sync.RWMutex
	snapshot status.Snapshot
	conn     Conn
	lastErr  error
}

// NewClient creates a client in DISCONNECTED. Nothing happens until Run
// is started and Connect is called.
func NewClient(opts Options) *Client {
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.Policy == (status.Policy{}) {
		opts.Policy = status.DefaultPolicy()
	}
	headers := map[string]string{}
	if opts.ClientType != "" {
		headers["X-Client-Type"] = opts.ClientType
	}
	if opts.ClientVersion != "" {
		headers["X-Client-Version"] = opts.ClientVersion
	}
	return &Client{
		dialer:    opts.Dialer,
		tokens:    opts.Tokens,
		policy:    opts.Policy,
		headers:   headers,
		timeout:   opts.DialTimeout,
		scheduler: opts.Scheduler,
		bus:       opts.Bus,
		logger:    opts.Logger,
		listeners: bus.NewRegistry[status.StateChange](),
		wake:      make(chan struct{}, 1),
		snapshot:  status.Initial(),
	}
}

// Connect requests a connection. It also clears a previous Disconnect and
// an exhausted reconnect budget.
func (c *Client) Connect() { c.post(loopEvent{ev: status.Connect}) }

// Disconnect closes the connection and stops automatic reconnects until
// the next Connect.
func (c *Client) Disconnect() { c.post(loopEvent{ev: status.Disconnect}) }

// Reconnect asks for one immediate reconnect attempt. It is ignored while
// a connect is already in flight, after Disconnect, and in ERROR.
func (c *Client) Reconnect() { c.post(loopEvent{ev: status.Nudge}) }

// OnStateChange registers a listener called synchronously, on the loop
// goroutine, after every state change. Listeners must not block.
func (c *Client) OnStateChange(fn func(status.StateChange)) (remove func()) {
	return c.listeners.Add(fn)
}

// State returns the current connection state.
func (c *Client) State() model.ConnectionState {
	return c.Snapshot().State
}

// Snapshot returns the full machine state.
func (c *Client) Snapshot() status.Snapshot {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.snapshot
}

// LastError returns the error that ended the most recent attempt or
// connection, or nil.
func (c *Client) LastError() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}

// Publish sends body to destination on the current connection.
func (c *Client) Publish(destination string, body []byte) error {
	conn := c.connected()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(destination, body); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

// Handle is a subscription whose frames are delivered to a handler on a
// dedicated goroutine, in broker order.
type Handle struct {
	ID          string
	Destination string
	sub         Subscription
	done        chan struct{}
}

// Unsubscribe ends the subscription. Frames already read may still be
// delivered.
func (h *Handle) Unsubscribe() error {
	return h.sub.Unsubscribe()
}

// Done is closed once the handler goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Subscribe subscribes destination on the current connection. The
// subscription dies with the connection; callers re-subscribe on the next
// CONNECTED.
func (c *Client) Subscribe(destination, id string, handler func(Frame)) (*Handle, error) {
	conn := c.connected()
	if conn == nil {
		return nil, ErrNotConnected
	}
	sub, err := conn.Subscribe(destination, id)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	h := &Handle{ID: id, Destination: destination, sub: sub, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		for f := range sub.C() {
			handler(f)
		}
	}()
	return h, nil
}

func (c *Client) connected() Conn {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.snapshot.State != model.Connected {
		return nil
	}
	return c.conn
}

// Run executes the event loop until ctx is done, then closes the
// connection.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
		for {
			ev, ok := c.pop()
			if !ok {
				break
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Client) post(ev loopEvent) {
	c.mu.Lock()
	c.mailbox = append(c.mailbox, ev)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) pop() (loopEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mailbox) == 0 {
		return loopEvent{}, false
	}
	ev := c.mailbox[0]
	c.mailbox = c.mailbox[1:]
	return ev, true
}

func (c *Client) handle(ctx context.Context, e loopEvent) {
	switch e.ev {
	case status.Dialed, status.DialFailed, status.Lost:
		if e.gen != c.gen {
			if e.conn != nil {
				_ = e.conn.Close()
			}
			return
		}
	case status.Retry:
		if e.gen != c.retryGen {
			return
		}
		c.retry = nil
	}

	prev := c.Snapshot()
	next, effects := status.Transition(prev, e.ev, c.policy)

	// The token is checked before the machine enters CONNECTING, so a
	// missing one is never seen as an attempt.
	var tok *oauth2.Token
	if hasEffect(effects, status.Dial) {
		t, err := c.token()
		if err != nil {
			c.logger.Warn("no token available, skipping connect", zap.Error(err))
			base := prev
			if e.ev == status.Connect {
				// An explicit Connect still clears a previous Disconnect.
				base.Stopped = false
			}
			e = loopEvent{ev: status.AuthMissing, err: err}
			next, effects = status.Transition(base, status.AuthMissing, c.policy)
		} else {
			tok = t
		}
	}

	if e.ev == status.Dialed {
		if next.State != model.Connected {
			_ = e.conn.Close()
			return
		}
		c.watch(e.gen, e.conn)
	}

	c.stateMu.Lock()
	c.snapshot = next
	if e.ev == status.Dialed {
		c.conn = e.conn
		c.lastErr = nil
	}
	if e.err != nil {
		c.lastErr = e.err
	}
	c.stateMu.Unlock()

	for _, eff := range effects {
		switch eff.Kind {
		case status.Dial:
			c.dial(ctx, tok)
		case status.ScheduleRetry:
			c.scheduleRetry(eff.Delay)
		case status.CancelRetry:
			c.cancelRetry()
		case status.CloseConn:
			c.closeConn()
		}
	}

	if prev.State != next.State {
		change := status.StateChange{From: prev.State, To: next.State, Exhausted: next.Exhausted()}
		c.logTransition(e, change)
		c.listeners.Emit(change)
		c.bus.Publish(bus.NewEvent(bus.KindConnectionChanged, change))
	}
}

func (c *Client) logTransition(e loopEvent, change status.StateChange) {
	fields := []zap.Field{
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.Stringer("event", e.ev),
	}
	switch {
	case change.Exhausted:
		c.logger.Error("reconnect attempts exhausted", append(fields, zap.Error(e.err))...)
	case e.err != nil:
		c.logger.Warn("connection state changed", append(fields, zap.Error(e.err))...)
	default:
		c.logger.Info("connection state changed", fields...)
	}
}

func hasEffect(effects []status.Effect, kind status.EffectKind) bool {
	for _, eff := range effects {
		if eff.Kind == kind {
			return true
		}
	}
	return false
}

// token fetches a fresh token for one attempt.
func (c *Client) token() (*oauth2.Token, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("empty access token")
	}
	return tok, nil
}

// dial starts an attempt in the background. The outcome comes back
// through the mailbox tagged with the attempt's generation.
func (c *Client) dial(ctx context.Context, tok *oauth2.Token) {
	c.gen++
	gen := c.gen

	headers := make(map[string]string, len(c.headers)+1)
	for k, v := range c.headers {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + tok.AccessToken

	go func() {
		dctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		conn, err := c.dialer.Dial(dctx, headers)
		if err != nil {
			c.post(loopEvent{ev: status.DialFailed, gen: gen, err: err})
			return
		}
		c.post(loopEvent{ev: status.Dialed, gen: gen, conn: conn})
	}()
}

func (c *Client) watch(gen uint64, conn Conn) {
	go func() {
		<-conn.Done()
		err := conn.Err()
		if err == nil {
			err = errors.New("connection closed")
		}
		c.post(loopEvent{ev: status.Lost, gen: gen, err: err})
	}()
}

func (c *Client) scheduleRetry(d time.Duration) {
	c.cancelRetry()
	gen := c.retryGen
	c.logger.Info("scheduling reconnect", zap.Duration("delay", d), zap.Int("failures", c.Snapshot().Failures))
	c.retry = c.scheduler.AfterFunc(d, func() {
		c.post(loopEvent{ev: status.Retry, gen: gen})
	})
}

func (c *Client) cancelRetry() {
	c.retryGen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// closeConn drops the current connection and invalidates every event
// still in flight for it.
func (c *Client) closeConn() {
	c.gen++
	c.stateMu.Lock()
	conn := c.conn
	c.conn = nil
	c.stateMu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close connection", zap.Error(err))
		}
	}
}

func (c *Client) shutdown() {
	c.cancelRetry()
	c.closeConn()
}
