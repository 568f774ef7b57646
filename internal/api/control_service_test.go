package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/auth"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/messenger"
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/outbound"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type fakeTransport struct {
	state model.ConnectionState
}

func (f *fakeTransport) Publish(string, []byte) error { return nil }
func (f *fakeTransport) State() model.ConnectionState { return f.state }
func (f *fakeTransport) OnStateChange(func(status.StateChange)) func() {
	return func() {}
}
func (f *fakeTransport) Reconnect() {}

type fakeSession struct {
	mu         sync.Mutex
	queue      *outbound.Queue
	connectErr error
	token      string
	connected  bool
	opened     string
	before     time.Time
	limit      int
}

func (f *fakeSession) Status() messenger.Status {
	return messenger.Status{
		Connection:    status.Snapshot{State: model.Connected},
		User:          model.User{ID: "42", Name: "Ana"},
		QueueLength:   1,
		Subscriptions: []model.Subscription{{ID: "inbox-42", Topic: "/topic/user.42.inbox", Active: true}},
		Unread:        map[string]int{"7": 3},
	}
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = f.connectErr == nil
	return f.connectErr
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeSession) SetToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	return nil
}

func (f *fakeSession) Conversations() []model.ConversationSummary {
	return []model.ConversationSummary{{ID: "7", Name: "Team", LastMessage: "hi", UnreadCount: 3}}
}

func (f *fakeSession) OpenConversation(_ context.Context, id string) ([]model.ChatMessage, error) {
	if id == "missing" {
		return nil, messenger.ErrNotLoggedIn
	}
	f.mu.Lock()
	f.opened = id
	f.mu.Unlock()
	return []model.ChatMessage{{ID: "1", Text: "hello", SenderID: "9", ConversationID: id, Status: model.StatusRead}}, nil
}

func (f *fakeSession) History(id string, before time.Time, limit int) ([]model.ChatMessage, error) {
	f.mu.Lock()
	f.before, f.limit = before, limit
	f.mu.Unlock()
	return []model.ChatMessage{{ID: "2", Text: "newer", ConversationID: id}, {ID: "1", Text: "older", ConversationID: id}}, nil
}

func (f *fakeSession) SendText(_ context.Context, id, text string) (string, *outbound.Receipt, error) {
	r := f.queue.EnqueueOrSend(outbound.ChatMessage(model.ChatMessage{ConversationID: id, SenderID: "42", Text: text, Type: model.TypeText}))
	return "local-1", r, nil
}

func (f *fakeSession) SendFile(_ context.Context, id, path string) (string, *outbound.Receipt, error) {
	if path == "/missing" {
		return "", nil, fmt.Errorf("open upload: %w", fs.ErrNotExist)
	}
	r := f.queue.EnqueueOrSend(outbound.ChatMessage(model.ChatMessage{ConversationID: id, SenderID: "42", Text: path, Type: model.TypeDocument}))
	return "local-2", r, nil
}

func startServer(t *testing.T, sess *fakeSession, b *bus.Bus) *ControlClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewControlService("main", sess, nil, b, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewControlClient(conn)
}

func newSession(state model.ConnectionState) *fakeSession {
	return &fakeSession{queue: outbound.New(&fakeTransport{state: state}, outbound.Options{})}
}

func TestGetStatus(t *testing.T) {
	c := startServer(t, newSession(model.Connected), bus.New())

	st, err := c.GetStatus(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	f := st.GetFields()
	assert.Equal(t, "main", f["profile"].GetStringValue())
	assert.Equal(t, "CONNECTED", f["state"].GetStringValue())
	assert.Equal(t, "42", f["user_id"].GetStringValue())
	assert.Equal(t, float64(1), f["queue_length"].GetNumberValue())
	assert.Equal(t, float64(3), f["unread"].GetStructValue().GetFields()["7"].GetNumberValue())
	require.Len(t, f["subscriptions"].GetListValue().GetValues(), 1)
	assert.Zero(t, f["dropped_events"].GetNumberValue())
}

func TestConnectAndToken(t *testing.T) {
	sess := newSession(model.Disconnected)
	c := startServer(t, sess, bus.New())
	ctx := context.Background()

	_, err := c.SetToken(ctx, wrapperspb.String(""))
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	_, err = c.SetToken(ctx, wrapperspb.String("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", sess.token)

	_, err = c.Connect(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.True(t, sess.connected)

	_, err = c.Disconnect(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.False(t, sess.connected)
}

func TestConnectErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"no token", auth.ErrNoToken, codes.Unauthenticated},
		{"not logged in", messenger.ErrNotLoggedIn, codes.FailedPrecondition},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newSession(model.Disconnected)
			sess.connectErr = tt.err
			c := startServer(t, sess, bus.New())

			_, err := c.Connect(context.Background(), &emptypb.Empty{})
			assert.Equal(t, tt.want, grpcstatus.Code(err))
		})
	}
}

func TestConversationsAndMessages(t *testing.T) {
	sess := newSession(model.Connected)
	c := startServer(t, sess, bus.New())
	ctx := context.Background()

	list, err := c.ListConversations(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	require.Len(t, list.GetValues(), 1)
	row := list.GetValues()[0].GetStructValue().GetFields()
	assert.Equal(t, "Team", row["name"].GetStringValue())
	assert.Equal(t, float64(3), row["unreadCount"].GetNumberValue())

	msgs, err := c.OpenConversation(ctx, wrapperspb.String("7"))
	require.NoError(t, err)
	require.Len(t, msgs.GetValues(), 1)
	assert.Equal(t, "read", msgs.GetValues()[0].GetStructValue().GetFields()["status"].GetStringValue())
	assert.Equal(t, "7", sess.opened)

	_, err = c.OpenConversation(ctx, wrapperspb.String("missing"))
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err))

	req, err := structpb.NewStruct(map[string]any{"conversation_id": "7", "before_ms": 1736942400000, "limit": 2})
	require.NoError(t, err)
	hist, err := c.ListMessages(ctx, req)
	require.NoError(t, err)
	require.Len(t, hist.GetValues(), 2)
	assert.Equal(t, "newer", hist.GetValues()[0].GetStructValue().GetFields()["text"].GetStringValue())
	assert.Equal(t, 2, sess.limit)
	assert.Equal(t, int64(1736942400000), sess.before.UnixMilli())
}

func TestListMessagesDefaultsLimit(t *testing.T) {
	sess := newSession(model.Connected)
	c := startServer(t, sess, bus.New())

	req, err := structpb.NewStruct(map[string]any{"conversation_id": "7"})
	require.NoError(t, err)
	_, err = c.ListMessages(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, defaultHistoryLimit, sess.limit)
	assert.True(t, sess.before.IsZero())

	_, err = c.ListMessages(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestSendTextReportsDeliveryState(t *testing.T) {
	tests := []struct {
		name  string
		state model.ConnectionState
		want  string
	}{
		{"connected", model.Connected, "sent"},
		{"offline", model.Disconnected, "queued"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startServer(t, newSession(tt.state), bus.New())

			req, err := structpb.NewStruct(map[string]any{"conversation_id": "7", "text": "hi"})
			require.NoError(t, err)
			out, err := c.SendText(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, "local-1", out.GetFields()["local_id"].GetStringValue())
			assert.Equal(t, tt.want, out.GetFields()["state"].GetStringValue())
		})
	}
}

func TestWatchEventsFiltersByPrefix(t *testing.T) {
	b := bus.New()
	c := startServer(t, newSession(model.Connected), b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := c.WatchEvents(ctx, wrapperspb.String("inbox."))
	require.NoError(t, err)

	// The subscription is registered server-side after the stream opens.
	go func() {
		for ctx.Err() == nil {
			b.Publish(bus.NewEvent(bus.KindMessageUpserted, []model.ChatMessage{{ID: "x"}}))
			b.Publish(bus.NewEvent(bus.KindUnreadChanged, map[string]int{"7": 4}))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	evt, err := stream.Recv()
	require.NoError(t, err)
	f := evt.GetFields()
	assert.Equal(t, bus.KindUnreadChanged, f["kind"].GetStringValue())
	assert.Equal(t, "main", f["profile"].GetStringValue())
	assert.NotEmpty(t, f["id"].GetStringValue())
	assert.Equal(t, float64(4), f["payload"].GetStructValue().GetFields()["7"].GetNumberValue())
}

func TestSendFile(t *testing.T) {
	c := startServer(t, newSession(model.Connected), bus.New())
	ctx := context.Background()

	req, err := structpb.NewStruct(map[string]any{"conversation_id": "7", "path": "/tmp/a.pdf"})
	require.NoError(t, err)
	out, err := c.SendFile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "local-2", out.GetFields()["local_id"].GetStringValue())
	assert.Equal(t, "sent", out.GetFields()["state"].GetStringValue())

	req, err = structpb.NewStruct(map[string]any{"conversation_id": "7", "path": "/missing"})
	require.NoError(t, err)
	_, err = c.SendFile(ctx, req)
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	_, err = c.SendFile(ctx, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}
