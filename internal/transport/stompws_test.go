package transport_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/matheus3301/chatlink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// broker is a minimal STOMP 1.2 broker: it records the CONNECT headers,
// echoes every SEND to the matching subscriptions and acknowledges
// UNSUBSCRIBE with a RECEIPT.
type broker struct {
	mu      sync.Mutex
	connect *frame.Header
	subs    map[string]string // id -> destination
	// flood is the number of MESSAGE frames flushed to a subscription
	// between its UNSUBSCRIBE and the RECEIPT.
	flood      int
	subscribed chan string
	kick       chan struct{}
}

func newBroker(t *testing.T) (*broker, string) {
	t.Helper()
	b := &broker{subs: map[string]string{}, subscribed: make(chan string, 8), kick: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"v12.stomp"}})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	nc := websocket.NetConn(ctx, ws, websocket.MessageText)
	defer nc.Close()

	go func() {
		select {
		case <-b.kick:
			_ = nc.Close()
		case <-ctx.Done():
		}
	}()

	rd := frame.NewReader(nc)
	wr := frame.NewWriter(nc)

	f, err := rd.Read()
	if err != nil || f == nil {
		return
	}
	b.mu.Lock()
	b.connect = f.Header.Clone()
	b.mu.Unlock()
	if err := wr.Write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0")); err != nil {
		return
	}

	for {
		f, err := rd.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue // heart-beat
		}
		switch f.Command {
		case frame.SUBSCRIBE:
			id := f.Header.Get(frame.Id)
			b.mu.Lock()
			b.subs[id] = f.Header.Get(frame.Destination)
			b.mu.Unlock()
			b.subscribed <- id
		case frame.UNSUBSCRIBE:
			id := f.Header.Get(frame.Id)
			b.mu.Lock()
			dest := b.subs[id]
			delete(b.subs, id)
			flood := b.flood
			b.mu.Unlock()
			for i := range flood {
				msg := frame.New(frame.MESSAGE,
					frame.Destination, dest,
					frame.Subscription, id,
					frame.MessageId, fmt.Sprintf("late-%d", i),
					frame.ContentType, "application/json")
				msg.Body = []byte(`{"late":true}`)
				if err := wr.Write(msg); err != nil {
					return
				}
			}
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				if err := wr.Write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt)); err != nil {
					return
				}
			}
		case frame.SEND:
			dest := f.Header.Get(frame.Destination)
			b.mu.Lock()
			var targets []string
			for id, d := range b.subs {
				if d == dest {
					targets = append(targets, id)
				}
			}
			b.mu.Unlock()
			for _, id := range targets {
				msg := frame.New(frame.MESSAGE,
					frame.Destination, dest,
					frame.Subscription, id,
					frame.MessageId, "m-"+id,
					frame.ContentType, "application/json")
				msg.Body = f.Body
				if err := wr.Write(msg); err != nil {
					return
				}
			}
		case frame.DISCONNECT:
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				_ = wr.Write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			return
		}
	}
}

func dialBroker(t *testing.T, url string) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.NewStompDialer(url, 4*time.Second).Dial(ctx, map[string]string{
		"Authorization": "Bearer secret",
		"X-Client-Type": "cli",
	})
	require.NoError(t, err)
	return conn
}

func TestStompDialerRoundTrip(t *testing.T) {
	b, url := newBroker(t)
	conn := dialBroker(t, url)
	defer conn.Close()

	b.mu.Lock()
	auth := b.connect.Get("Authorization")
	clientType := b.connect.Get("X-Client-Type")
	b.mu.Unlock()
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "cli", clientType)

	sub, err := conn.Subscribe("/topic/conversations/7", "sub-7-messages")
	require.NoError(t, err)
	assert.Equal(t, "sub-7-messages", <-b.subscribed)

	require.NoError(t, conn.Send("/topic/conversations/7", []byte(`{"id":"1"}`)))
	require.NoError(t, conn.Send("/topic/conversations/7", []byte(`{"id":"2"}`)))

	for _, want := range []string{`{"id":"1"}`, `{"id":"2"}`} {
		select {
		case f := <-sub.C():
			assert.Equal(t, want, string(f.Body))
			assert.Equal(t, "/topic/conversations/7", f.Destination)
			assert.Equal(t, "sub-7-messages", f.Subscription)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for MESSAGE")
		}
	}

	start := time.Now()
	require.NoError(t, sub.Unsubscribe())
	assert.Less(t, time.Since(start), 2*time.Second, "unsubscribe waits for one round trip only")
	_, open := <-sub.C()
	assert.False(t, open)
}

// The broker flushes more frames than the library buffers before it
// acknowledges the UNSUBSCRIBE; nobody reads C meanwhile.
func TestUnsubscribeDrainsFramesInFlight(t *testing.T) {
	b, url := newBroker(t)
	b.mu.Lock()
	b.flood = 40
	b.mu.Unlock()
	conn := dialBroker(t, url)
	defer conn.Close()

	sub, err := conn.Subscribe("/topic/conversations/7", "sub-7-messages")
	require.NoError(t, err)
	require.Equal(t, "sub-7-messages", <-b.subscribed)

	done := make(chan error, 1)
	go func() { done <- sub.Unsubscribe() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Unsubscribe blocked behind undelivered frames")
	}

	// The connection keeps reading: a new subscription still gets frames.
	next, err := conn.Subscribe("/topic/conversations/8", "sub-8-messages")
	require.NoError(t, err)
	require.Equal(t, "sub-8-messages", <-b.subscribed)
	require.NoError(t, conn.Send("/topic/conversations/8", []byte(`{"id":"3"}`)))
	select {
	case f := <-next.C():
		assert.Equal(t, `{"id":"3"}`, string(f.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("connection stalled after unsubscribe")
	}
}

func TestStompConnDoneWhenBrokerDrops(t *testing.T) {
	b, url := newBroker(t)
	conn := dialBroker(t, url)
	defer conn.Close()

	close(b.kick)
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after the broker dropped the socket")
	}
	assert.Error(t, conn.Err())
}

func TestStompConnCloseSignalsDone(t *testing.T) {
	_, url := newBroker(t)
	conn := dialBroker(t, url)

	_ = conn.Close()
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
}

func TestStompDialerRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := transport.NewStompDialer("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second).Dial(ctx, nil)
	assert.Error(t, err)
}
