package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/transport"
	"github.com/matheus3301/chatlink/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func none[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIntentsReplayedOnReconnect(t *testing.T) {
	d := &transporttest.Dialer{}
	s := &transporttest.Scheduler{}
	c := transport.NewClient(transport.Options{Dialer: d, Tokens: transporttest.NewTokens("t"), Scheduler: s})
	// Registered before the test's own listener so replay has happened by
	// the time the test sees a state change.
	m := New(c, nil)
	defer m.Close()
	changes := transporttest.Run(t, c)

	// Declared while disconnected: nothing is live yet.
	m.AttachInbox("42", func(model.InboxEvent) {})
	m.AttachConversation("7", ConversationHandlers{OnMessage: func(model.ChatMessage) {}})
	for _, sub := range m.Subscriptions() {
		assert.False(t, sub.Active, sub.ID)
	}

	c.Connect()
	transporttest.ExpectState(t, changes, model.Connected)
	first := d.Last()
	assert.ElementsMatch(t, []string{"inbox-42", "user-msg-42", "sub-7-messages"}, first.Subscriptions())
	for _, sub := range m.Subscriptions() {
		assert.True(t, sub.Active, sub.ID)
	}

	first.Kill(errors.New("dropped"))
	transporttest.ExpectState(t, changes, model.Disconnected)
	for _, sub := range m.Subscriptions() {
		assert.False(t, sub.Active, sub.ID)
	}

	s.FireNext(t)
	transporttest.ExpectState(t, changes, model.Connected)
	second := d.Last()
	require.NotSame(t, first, second)
	assert.ElementsMatch(t, []string{"inbox-42", "user-msg-42", "sub-7-messages"}, second.Subscriptions())
}

func TestOptionalConversationTopics(t *testing.T) {
	c, d, _, _ := transporttest.Connected(t)
	m := New(c, nil)
	defer m.Close()

	m.AttachConversation("7", ConversationHandlers{
		OnMessage: func(model.ChatMessage) {},
		OnTyping:  func(model.TypingEvent) {},
		OnRead:    func(model.ReadReceipt) {},
	})
	got := map[string]string{}
	for _, sub := range m.Subscriptions() {
		got[sub.ID] = sub.Topic
	}
	assert.Equal(t, map[string]string{
		"sub-7-messages": "/topic/conversations/7",
		"typing-7":       "/topic/conversations/7/typing",
		"read-7":         "/topic/conversations/7/read",
	}, got)

	m.AttachConversation("8", ConversationHandlers{OnMessage: func(model.ChatMessage) {}})
	assert.Len(t, m.Subscriptions(), 1)
	assert.False(t, d.Last().Active("sub-7-messages"))
	assert.False(t, d.Last().Active("typing-7"))
	assert.True(t, d.Last().Active("sub-8-messages"))
}

// TestSubscriptionIsolation delays the broker-side unsubscribe of A and
// checks that A's late frames reach neither A's nor B's handlers.
func TestSubscriptionIsolation(t *testing.T) {
	c, d, _, _ := transporttest.Connected(t)
	conn := d.Last()
	conn.LingerUnsubscribe(true)

	m := New(c, nil)
	defer m.Close()

	gotA := make(chan model.ChatMessage, 4)
	gotB := make(chan model.ChatMessage, 4)
	m.AttachConversation("A", ConversationHandlers{OnMessage: func(msg model.ChatMessage) { gotA <- msg }})
	require.True(t, conn.Deliver("sub-A-messages", `{"id":"1","text":"for A","senderId":"9"}`))
	assert.Equal(t, "1", recv(t, gotA).ID)

	m.AttachConversation("B", ConversationHandlers{OnMessage: func(msg model.ChatMessage) { gotB <- msg }})
	require.True(t, conn.Deliver("sub-A-messages", `{"id":"2","text":"late for A","senderId":"9"}`))
	none(t, gotA)
	none(t, gotB)

	require.True(t, conn.Deliver("sub-B-messages", `{"id":"3","text":"for B","senderId":"9"}`))
	msg := recv(t, gotB)
	assert.Equal(t, "3", msg.ID)
	assert.Equal(t, "B", msg.ConversationID, "conversation id is filled from the topic")
}

func TestDetachConversationDropsLateFrames(t *testing.T) {
	c, d, _, _ := transporttest.Connected(t)
	conn := d.Last()
	conn.LingerUnsubscribe(true)
	m := New(c, nil)
	defer m.Close()

	got := make(chan model.ChatMessage, 4)
	m.AttachConversation("A", ConversationHandlers{OnMessage: func(msg model.ChatMessage) { got <- msg }})
	m.DetachConversation()
	require.True(t, conn.Deliver("sub-A-messages", `{"id":"1","senderId":"9"}`))
	none(t, got)
	assert.Empty(t, m.Subscriptions())
}

func TestMalformedFramesAndPanicsAreContained(t *testing.T) {
	c, d, _, _ := transporttest.Connected(t)
	conn := d.Last()
	m := New(c, nil)
	defer m.Close()

	got := make(chan model.ChatMessage, 4)
	m.AttachConversation("7", ConversationHandlers{OnMessage: func(msg model.ChatMessage) {
		if msg.Text == "boom" {
			panic("handler bug")
		}
		got <- msg
	}})

	require.True(t, conn.Deliver("sub-7-messages", `not json`))
	require.True(t, conn.Deliver("sub-7-messages", `{"id":"1","text":"boom"}`))
	require.True(t, conn.Deliver("sub-7-messages", `{"id":"2","text":"fine"}`))

	assert.Equal(t, "2", recv(t, got).ID)
	none(t, got)
}

func TestInboxCompatibilityShim(t *testing.T) {
	c, d, _, _ := transporttest.Connected(t)
	conn := d.Last()
	m := New(c, nil)
	defer m.Close()

	got := make(chan model.InboxEvent, 4)
	m.AttachInbox("42", func(ev model.InboxEvent) { got <- ev })
	m.AttachInbox("42", func(model.InboxEvent) { t.Error("second attach replaced the handler") })

	assert.Equal(t, []string{"inbox-42", "user-msg-42"}, conn.Subscriptions())

	require.True(t, conn.Deliver("inbox-42", `{"id":"1","text":"a","senderId":"9","conversationId":"7"}`))
	require.True(t, conn.Deliver("user-msg-42", `{"id":"2","text":"b","senderId":"9","conversationId":"7"}`))
	// Each topic has its own delivery goroutine; order holds only within one.
	ids := []string{recv(t, got).ID, recv(t, got).ID}
	assert.ElementsMatch(t, []string{"1", "2"}, ids)

	// Conversation navigation leaves the inbox alone.
	m.AttachConversation("7", ConversationHandlers{OnMessage: func(model.ChatMessage) {}})
	m.DetachConversation()
	assert.True(t, conn.Active("inbox-42"))
	assert.True(t, conn.Active("user-msg-42"))
}

// A broker that is slow to acknowledge an UNSUBSCRIBE must not stall the
// transport loop, whose listeners need the manager.
func TestSlowUnsubscribeDoesNotBlockStateChanges(t *testing.T) {
	c, d, s, changes := transporttest.Connected(t)
	conn := d.Last()
	m := New(c, nil)
	defer m.Close()

	m.AttachConversation("A", ConversationHandlers{OnMessage: func(model.ChatMessage) {}})
	require.True(t, conn.Active("sub-A-messages"))
	release := conn.HoldUnsubscribe()
	defer release()

	detached := make(chan struct{})
	go func() {
		m.DetachConversation()
		close(detached)
	}()
	require.Eventually(t, func() bool { return len(m.Subscriptions()) == 0 }, 2*time.Second, 5*time.Millisecond)

	conn.Kill(errors.New("dropped"))
	transporttest.ExpectState(t, changes, model.Disconnected)
	m.AttachInbox("42", func(model.InboxEvent) {})
	s.FireNext(t)
	transporttest.ExpectState(t, changes, model.Connected)
	require.Eventually(t, func() bool { return d.Last().Active("inbox-42") }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-detached:
		t.Fatal("detach returned before the broker acknowledged")
	default:
	}
	release()
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("detach did not return after the acknowledgement")
	}
}

func TestTypingAndReadDecoding(t *testing.T) {
	c, d, _, _ := transporttest.Connected(t)
	conn := d.Last()
	m := New(c, nil)
	defer m.Close()

	typing := make(chan model.TypingEvent, 1)
	reads := make(chan model.ReadReceipt, 1)
	m.AttachConversation("7", ConversationHandlers{
		OnMessage: func(model.ChatMessage) {},
		OnTyping:  func(ev model.TypingEvent) { typing <- ev },
		OnRead:    func(rr model.ReadReceipt) { reads <- rr },
	})

	require.True(t, conn.Deliver("typing-7", `{"userId":"9","typing":true}`))
	require.True(t, conn.Deliver("read-7", `{"readerId":"9","messageId":"99"}`))

	ev := recv(t, typing)
	assert.True(t, ev.IsTyping)
	assert.Equal(t, "7", ev.ConversationID)
	rr := recv(t, reads)
	assert.Equal(t, "9", rr.UserID)
	assert.Equal(t, "99", rr.MessageID)
}
