// Package transporttest provides in-memory fakes for the transport
// package: a Dialer handing out scriptable connections, a manual
// Scheduler and a counting token source.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/transport"
	"golang.org/x/oauth2"
)

// Sent is a frame published through a fake Conn.
type Sent struct {
	Destination string
	Body        string
}

type sub struct {
	dest   string
	ch     chan transport.Frame
	closed bool
}

// Conn is a scriptable transport.Conn.
type Conn struct {
	mu      sync.Mutex
	sent    []Sent
	subs    map[string]*sub
	order   []string
	sendErr error
	linger  bool
	hold    chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
	closed  atomic.Bool
}

// NewConn returns a live connection.
func NewConn() *Conn {
	return &Conn{subs: map[string]*sub{}, done: make(chan struct{})}
}

func (c *Conn) Send(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.sent = append(c.sent, Sent{destination, string(body)})
	return nil
}

func (c *Conn) Subscribe(destination, id string) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &sub{dest: destination, ch: make(chan transport.Frame, 64)}
	c.subs[id] = s
	c.order = append(c.order, id)
	return &subscription{conn: c, id: id, s: s}, nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	c.Kill(errors.New("closed"))
	return nil
}

// Kill simulates the broker dropping the connection.
func (c *Conn) Kill(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		for _, s := range c.subs {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// SetSendErr makes every following Send fail with err.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// LingerUnsubscribe keeps subscriptions delivering after Unsubscribe, the
// way a broker may still flush frames that were in flight.
func (c *Conn) LingerUnsubscribe(v bool) {
	c.mu.Lock()
	c.linger = v
	c.mu.Unlock()
}

// HoldUnsubscribe makes Unsubscribe block until release is called, like a
// broker that is slow to acknowledge an UNSUBSCRIBE.
func (c *Conn) HoldUnsubscribe() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.hold = ch
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Sent returns everything published so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Subscriptions returns subscription ids in the order they were made,
// including ended ones.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Active reports whether subscription id is live.
func (c *Conn) Active(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[id]
	return ok && !s.closed
}

// Deliver pushes body to subscription id as a MESSAGE frame. It reports
// false when the subscription does not exist or has ended.
func (c *Conn) Deliver(id string, body string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[id]
	if !ok || s.closed {
		return false
	}
	s.ch <- transport.Frame{Destination: s.dest, Subscription: id, Body: []byte(body)}
	return true
}

type subscription struct {
	conn *Conn
	id   string
	s    *sub
}

func (s *subscription) C() <-chan transport.Frame { return s.s.ch }

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	hold := s.conn.hold
	s.conn.mu.Unlock()
	if hold != nil {
		<-hold
	}

	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.conn.linger || s.s.closed {
		return nil
	}
	s.s.closed = true
	close(s.s.ch)
	return nil
}

// Dialer hands out fresh Conns, records the CONNECT headers of every
// attempt and can be told to fail or block.
type Dialer struct {
	mu      sync.Mutex
	fail    error
	block   chan struct{}
	headers []map[string]string
	conns   []*Conn
}

// Fail makes following attempts fail with err; nil restores success.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// Block holds following attempts until the returned channel is closed.
func (d *Dialer) Block() chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.block = ch
	d.mu.Unlock()
	return ch
}

func (d *Dialer) Dial(ctx context.Context, headers map[string]string) (transport.Conn, error) {
	d.mu.Lock()
	d.headers = append(d.headers, headers)
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	c := NewConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Attempts returns the number of Dial calls.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.headers)
}

// Headers returns the CONNECT headers of attempt i.
func (d *Dialer) Headers(i int) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

// Last returns the most recent successful connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Timer is a scheduled callback owned by Scheduler.
type Timer struct {
	Delay   time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *Timer) Stop() bool { return !t.stopped.Swap(true) }

// Scheduler records timers; tests fire them by hand.
type Scheduler struct {
	mu     sync.Mutex
	timers []*Timer
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) transport.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Timer{Delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Pending returns timers that were neither stopped nor fired.
func (s *Scheduler) Pending() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Timer
	for _, t := range s.timers {
		if !t.stopped.Load() {
			out = append(out, t)
		}
	}
	return out
}

// FireNext runs the oldest pending timer and returns its delay.
func (s *Scheduler) FireNext(t testing.TB) time.Duration {
	t.Helper()
	p := s.Pending()
	if len(p) == 0 {
		t.Fatal("no pending timer")
	}
	p[0].stopped.Store(true)
	p[0].f()
	return p[0].Delay
}

// Tokens is an oauth2.TokenSource that counts calls.
type Tokens struct {
	mu    sync.Mutex
	value string
	err   error
	calls atomic.Int32
}

// NewTokens returns a source handing out value.
func NewTokens(value string) *Tokens { return &Tokens{value: value} }

// Set replaces the token; err makes Token fail.
func (s *Tokens) Set(value string, err error) {
	s.mu.Lock()
	s.value, s.err = value, err
	s.mu.Unlock()
}

func (s *Tokens) Token() (*oauth2.Token, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: s.value}, nil
}

// Calls returns the number of Token calls.
func (s *Tokens) Calls() int { return int(s.calls.Load()) }

// Run starts c's loop until the test ends and returns a channel of its
// state changes. The channel listener is registered after any listeners
// the caller already added.
func Run(t testing.TB, c *transport.Client) <-chan status.StateChange {
	t.Helper()
	changes := make(chan status.StateChange, 256)
	c.OnStateChange(func(sc status.StateChange) {
		select {
		case changes <- sc:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return changes
}

// Start builds a client from opts and runs it.
func Start(t testing.TB, opts transport.Options) (*transport.Client, <-chan status.StateChange) {
	t.Helper()
	c := transport.NewClient(opts)
	return c, Run(t, c)
}

// ExpectState waits for a change into want, skipping others.
func ExpectState(t testing.TB, ch <-chan status.StateChange, want model.ConnectionState) status.StateChange {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case sc := <-ch:
			if sc.To == want {
				return sc
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// ExpectQuiet asserts that no state change arrives for a short while.
func ExpectQuiet(t testing.TB, ch <-chan status.StateChange) {
	t.Helper()
	select {
	case sc := <-ch:
		t.Fatalf("unexpected state change %s -> %s", sc.From, sc.To)
	case <-time.After(50 * time.Millisecond):
	}
}

// Connected starts a client over a fresh Dialer and waits for CONNECTED.
func Connected(t testing.TB) (*transport.Client, *Dialer, *Scheduler, <-chan status.StateChange) {
	t.Helper()
	d := &Dialer{}
	s := &Scheduler{}
	c, changes := Start(t, transport.Options{Dialer: d, Tokens: NewTokens("token"), Scheduler: s})
	c.Connect()
	ExpectState(t, changes, model.Connected)
	return c, d, s, changes
}
