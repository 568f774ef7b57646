// Package outbound buffers publishes while the connection is down and
// replays them, in call order, once it is back.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrExpired settles a send that waited longer than the expiry.
	ErrExpired = errors.New("outbound: send expired before the connection came back")
	// ErrClosed settles every send still queued when the queue closes.
	ErrClosed = errors.New("outbound: queue closed")
)

// DefaultExpiry is how long a queued send stays eligible for replay.
const DefaultExpiry = 5 * time.Minute

// Transport is the part of the transport client the queue drives.
type Transport interface {
	Publish(destination string, body []byte) error
	State() model.ConnectionState
	OnStateChange(fn func(status.StateChange)) func()
	Reconnect()
}

// Outbound is one publish request. Body is encoded as JSON.
type Outbound struct {
	Destination    string
	ConversationID string
	Body           any
}

// Receipt settles once the publish reached the transport, or failed for
// good.
type Receipt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newReceipt() *Receipt {
	return &Receipt{done: make(chan struct{})}
}

func (r *Receipt) settle(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed when the receipt settles.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Err returns nil until the receipt settles, then the outcome.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Settled reports whether the receipt has an outcome.
func (r *Receipt) Settled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the receipt settles or ctx is done.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingSend is a queued publish.
type PendingSend struct {
	Outbound
	payload    []byte
	receipt    *Receipt
	EnqueuedAt time.Time
}

// Options configures a Queue.
type Options struct {
	Expiry        time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Bus           *bus.Bus
	Logger        *zap.Logger
}

// Queue is the outbound queue. Every publish, immediate or replayed, goes
// through mu, so sends reach the transport in EnqueueOrSend order.
type Queue struct {
	tr     Transport
	expiry time.Duration
	sweep  time.Duration
	now    func() time.Time
	bus    *bus.Bus
	logger *zap.Logger
	remove func()
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*PendingSend
	closed  bool
}

// New creates a queue that drains whenever tr becomes CONNECTED.
func New(tr Transport, opts Options) *Queue {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	q := &Queue{
		tr:     tr,
		expiry: opts.Expiry,
		sweep:  opts.SweepInterval,
		now:    opts.Now,
		bus:    opts.Bus,
		logger: opts.Logger,
	}
	q.remove = tr.OnStateChange(func(sc status.StateChange) {
		if sc.To == model.Connected {
			q.Drain()
		}
	})
	return q
}

// Start begins sweeping expired entries so their receipts settle even if
// the connection never comes back.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	go q.loop(ctx)
}

func (q *Queue) loop(ctx context.Context) {
	ticker := time.NewTicker(q.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// EnqueueOrSend publishes immediately when connected and nothing is
// queued ahead; otherwise it queues the send. The receipt of an
// immediate publish is already settled on return.
func (q *Queue) EnqueueOrSend(out Outbound) *Receipt {
	r := newReceipt()
	payload, err := json.Marshal(out.Body)
	if err != nil {
		r.settle(fmt.Errorf("encode %s: %w", out.Destination, err))
		return r
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		r.settle(ErrClosed)
		return r
	}

	p := &PendingSend{Outbound: out, payload: payload, receipt: r, EnqueuedAt: q.now()}
	if len(q.pending) == 0 && q.tr.State() == model.Connected {
		err := q.tr.Publish(out.Destination, payload)
		if err == nil {
			r.settle(nil)
			return r
		}
		q.logger.Warn("publish failed, queueing", zap.String("destination", out.Destination), zap.Error(err))
		q.pending = append(q.pending, p)
		q.tr.Reconnect()
		return r
	}
	q.pending = append(q.pending, p)
	q.logger.Debug("send queued", zap.String("destination", out.Destination), zap.Int("pending", len(q.pending)))
	return r
}

// Drain replays queued sends in FIFO order. Expired entries are rejected
// without being published. The first publish failure stops the drain,
// keeps the entry at the head and asks the transport for one reconnect.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	for len(q.pending) > 0 {
		p := q.pending[0]
		if q.expiredLocked(p) {
			q.pending = q.pending[1:]
			q.rejectExpired(p)
			continue
		}
		if err := q.tr.Publish(p.Destination, p.payload); err != nil {
			q.logger.Warn("replay failed, keeping send queued", zap.String("destination", p.Destination), zap.Error(err))
			q.tr.Reconnect()
			break
		}
		q.pending = q.pending[1:]
		p.receipt.settle(nil)
		sent++
	}
	if sent > 0 {
		q.logger.Info("outbound queue drained", zap.Int("sent", sent), zap.Int("remaining", len(q.pending)))
	}
}

// Sweep rejects expired entries without publishing anything.
func (q *Queue) Sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, p := range q.pending {
		if q.expiredLocked(p) {
			q.rejectExpired(p)
			continue
		}
		kept = append(kept, p)
	}
	clear(q.pending[len(kept):])
	q.pending = kept
}

// Len returns the number of queued sends.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the sweep and rejects everything still queued.
func (q *Queue) Close() {
	q.remove()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		p.receipt.settle(ErrClosed)
	}
	q.pending = nil
	q.closed = true
}

func (q *Queue) expiredLocked(p *PendingSend) bool {
	return q.now().Sub(p.EnqueuedAt) > q.expiry
}

func (q *Queue) rejectExpired(p *PendingSend) {
	p.receipt.settle(ErrExpired)
	q.logger.Warn("dropping expired send",
		zap.String("destination", p.Destination),
		zap.Duration("age", q.now().Sub(p.EnqueuedAt)))
	q.bus.Publish(bus.NewEvent(bus.KindSendFailed, map[string]string{
		"destination":     p.Destination,
		"conversation_id": p.ConversationID,
		"error":           ErrExpired.Error(),
	}))
}
