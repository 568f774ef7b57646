package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Subprotocols offered during the WebSocket upgrade.
var Subprotocols = []string{"v12.stomp", "v11.stomp"}

const (
	maxFrameSize = 1 << 20
	// unsubscribeTimeout bounds the wait for the broker's RECEIPT to an
	// UNSUBSCRIBE.
	unsubscribeTimeout = 5 * time.Second
)

// StompDialer speaks STOMP over a WebSocket.
type StompDialer struct {
	URL string
	// HeartBeat is both the send and the expected receive interval.
	HeartBeat  time.Duration
	HTTPClient *http.Client
	tracer     trace.Tracer
}

// NewStompDialer creates a dialer for the broker endpoint at rawURL
// (ws:// or wss://).
func NewStompDialer(rawURL string, heartBeat time.Duration) *StompDialer {
	return &StompDialer{
		URL:       rawURL,
		HeartBeat: heartBeat,
		tracer:    otel.Tracer("github.com/matheus3301/chatlink/internal/transport"),
	}
}

// Dial upgrades to a WebSocket and completes the STOMP handshake. ctx
// bounds the handshake only; the connection lives until Close.
func (d *StompDialer) Dial(ctx context.Context, headers map[string]string) (_ Conn, err error) {
	ctx, span := d.tracer.Start(ctx, "stomp.dial", trace.WithAttributes(attribute.String("url", d.URL)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	httpHeader := http.Header{}
	for k, v := range headers {
		httpHeader.Set(k, v)
	}
	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   httpHeader,
		Subprotocols: Subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)
	span.SetAttributes(attribute.String("subprotocol", ws.Subprotocol()))

	wc := newWatchedConn(websocket.NetConn(context.Background(), ws, websocket.MessageText))
	if deadline, ok := ctx.Deadline(); ok {
		_ = wc.SetDeadline(deadline)
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(unsubscribeTimeout),
	}
	for k, v := range headers {
		opts = append(opts, stomp.ConnOpt.Header(k, v))
	}
	sc, err := stomp.Connect(wc, opts...)
	if err != nil {
		_ = wc.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}
	_ = wc.SetDeadline(time.Time{})

	return &stompConn{conn: sc, wire: wc}, nil
}

type stompConn struct {
	conn      *stomp.Conn
	wire      *watchedConn
	closeOnce sync.Once
}

func (s *stompConn) Send(destination string, body []byte) error {
	return s.conn.Send(destination, "application/json", body)
}

func (s *stompConn) Subscribe(destination, id string) (Subscription, error) {
	sub, err := s.conn.Subscribe(destination, stomp.AckAuto, stomp.SubscribeOpt.Id(id))
	if err != nil {
		return nil, err
	}
	ss := &stompSub{sub: sub, out: make(chan Frame), stop: make(chan struct{})}
	go ss.pump()
	return ss, nil
}

func (s *stompConn) Done() <-chan struct{} { return s.wire.done }

func (s *stompConn) Err() error { return s.wire.Err() }

func (s *stompConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Do not wait for a DISCONNECT receipt from a broker that may be gone.
		err = s.conn.MustDisconnect()
		_ = s.wire.Close()
	})
	return err
}

type stompSub struct {
	sub      *stomp.Subscription
	out      chan Frame
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *stompSub) C() <-chan Frame { return s.out }

// Unsubscribe closes C at once and returns when the broker has
// acknowledged the UNSUBSCRIBE. Frames that arrive in between are read
// and discarded, so the STOMP reader never stalls on this subscription.
func (s *stompSub) Unsubscribe() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.sub.Unsubscribe()
}

// pump forwards frames to out until stop, then keeps draining sub.C until
// the library closes it.
func (s *stompSub) pump() {
	out, stop := s.out, s.stop
	release := func() {
		if out != nil {
			close(out)
			out, stop = nil, nil
		}
	}
	defer release()
	for {
		select {
		case <-stop:
			release()
		case m, ok := <-s.sub.C:
			if !ok {
				return
			}
			if m.Err != nil || out == nil {
				release()
				continue
			}
			f := Frame{Destination: m.Destination, Subscription: s.sub.Id(), Body: m.Body}
			select {
			case out <- f:
			case <-stop:
				release()
			}
		}
	}
}

// watchedConn closes done on the first read or write failure, or on Close.
// The STOMP layer closes the conn when heart-beats stop, so a silent
// broker ends up here too.
type watchedConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
	err  error
}

func newWatchedConn(c net.Conn) *watchedConn {
	return &watchedConn{Conn: c, done: make(chan struct{})}
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Write(p []byte) (int, error) {
	n, err := w.Conn.Write(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Close() error {
	w.fail(net.ErrClosed)
	return w.Conn.Close()
}

func (w *watchedConn) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *watchedConn) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}
