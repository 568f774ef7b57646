package api

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlink/internal/auth"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/conversation"
	"github.com/matheus3301/chatlink/internal/messenger"
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/outbound"
	"github.com/matheus3301/chatlink/internal/restapi"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const defaultHistoryLimit = 50

// Session is the part of the messenger the control API drives.
type Session interface {
	Status() messenger.Status
	Connect(ctx context.Context) error
	Disconnect()
	SetToken(ctx context.Context, token string) error
	Conversations() []model.ConversationSummary
	OpenConversation(ctx context.Context, conversationID string) ([]model.ChatMessage, error)
	History(conversationID string, before time.Time, limit int) ([]model.ChatMessage, error)
	SendText(ctx context.Context, conversationID, text string) (string, *outbound.Receipt, error)
	SendFile(ctx context.Context, conversationID, path string) (string, *outbound.Receipt, error)
}

// Counter reports mirror sizes for the status call.
type Counter interface {
	ConversationCount() (int64, error)
	MessageCount() (int64, error)
}

// ControlService implements ControlServer over a Session.
type ControlService struct {
	profile string
	session Session
	counts  Counter
	bus     *bus.Bus
	logger  *zap.Logger
}

var _ ControlServer = (*ControlService)(nil)

// NewControlService creates the control service for a profile.
func NewControlService(profile string, session Session, counts Counter, b *bus.Bus, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{profile: profile, session: session, counts: counts, bus: b, logger: logger}
}

func (s *ControlService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var convs, msgs int64
	if s.counts != nil {
		var err error
		if convs, err = s.counts.ConversationCount(); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "count conversations: %v", err)
		}
		if msgs, err = s.counts.MessageCount(); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "count messages: %v", err)
		}
	}
	out, err := statusToStruct(s.profile, s.session.Status(), convs, msgs)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "status: %v", err)
	}
	out.Fields["watchers"] = structpb.NewNumberValue(float64(s.bus.Subscribers()))
	out.Fields["dropped_events"] = structpb.NewNumberValue(float64(s.bus.Dropped()))
	return out, nil
}

func (s *ControlService) Connect(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.session.Connect(ctx); err != nil {
		return nil, toStatus("connect", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ControlService) Disconnect(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.session.Disconnect()
	return &emptypb.Empty{}, nil
}

func (s *ControlService) SetToken(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	if err := s.session.SetToken(ctx, req.GetValue()); err != nil {
		return nil, toStatus("set token", err)
	}
	s.logger.Info("token updated")
	return &emptypb.Empty{}, nil
}

func (s *ControlService) ListConversations(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	out, err := toList(s.session.Conversations())
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	return out, nil
}

func (s *ControlService) OpenConversation(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	msgs, err := s.session.OpenConversation(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus("open conversation", err)
	}
	out, err := toList(msgs)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "open conversation: %v", err)
	}
	return out, nil
}

func (s *ControlService) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	fields := req.GetFields()
	id := fields["conversation_id"].GetStringValue()
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	limit := int(fields["limit"].GetNumberValue())
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var before time.Time
	if ms := int64(fields["before_ms"].GetNumberValue()); ms > 0 {
		before = time.UnixMilli(ms)
	}

	msgs, err := s.session.History(id, before, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	out, err := toList(msgs)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	return out, nil
}

func (s *ControlService) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id := fields["conversation_id"].GetStringValue()
	text := fields["text"].GetStringValue()
	if id == "" || text == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and text are required")
	}

	localID, receipt, err := s.session.SendText(ctx, id, text)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return sendResult(localID, receipt)
}

func (s *ControlService) SendFile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id := fields["conversation_id"].GetStringValue()
	path := fields["path"].GetStringValue()
	if id == "" || path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and path are required")
	}

	localID, receipt, err := s.session.SendFile(ctx, id, path)
	if err != nil {
		return nil, toStatus("send file", err)
	}
	return sendResult(localID, receipt)
}

// sendResult reports "sent" when the publish already went out and
// "queued" otherwise.
func sendResult(localID string, receipt *outbound.Receipt) (*structpb.Struct, error) {
	state := "queued"
	if receipt.Settled() && receipt.Err() == nil {
		state = "sent"
	}
	out, err := structpb.NewStruct(map[string]any{"local_id": localID, "state": state})
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "send: %v", err)
	}
	return out, nil
}

func (s *ControlService) WatchEvents(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe(req.GetValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := toValue(evt.Payload)
			if err != nil {
				s.logger.Warn("skip unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			msg := &structpb.Struct{Fields: map[string]*structpb.Value{
				"id":           structpb.NewStringValue(uuid.NewString()),
				"profile":      structpb.NewStringValue(s.profile),
				"kind":         structpb.NewStringValue(evt.Kind),
				"timestamp_ms": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
				"payload":      payload,
			}}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps session errors onto gRPC codes.
func toStatus(op string, err error) error {
	var serr *restapi.StatusError
	switch {
	case errors.Is(err, messenger.ErrNotLoggedIn):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, auth.ErrNoToken):
		return grpcstatus.Errorf(codes.Unauthenticated, "%s: %v", op, err)
	case errors.As(err, &serr) && serr.Unauthorized():
		return grpcstatus.Errorf(codes.Unauthenticated, "%s: %v", op, err)
	case errors.Is(err, fs.ErrNotExist):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, conversation.ErrClosed):
		return grpcstatus.Errorf(codes.Aborted, "%s: %v", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
